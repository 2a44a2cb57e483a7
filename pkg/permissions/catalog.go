package permissions

// Permission names the console knows about. The backend may grant others;
// they are carried through untouched.
const (
	ModelList             = "model:list"
	ModelSearch           = "model:search"
	ModelGet              = "model:get"
	ModelUpdate           = "model:update"
	RecommendationList    = "recommendation:list"
	RecommendationPromote = "recommendation:promote"
)

// Definition describes one permission.
type Definition struct {
	Name        string `json:"name"`
	Resource    string `json:"resource"`
	Description string `json:"description"`
}

// Catalog indexes permission definitions by name.
type Catalog struct {
	definitions []Definition
	byName      map[string]Definition
}

func NewCatalog(definitions []Definition) *Catalog {
	c := &Catalog{
		definitions: definitions,
		byName:      make(map[string]Definition, len(definitions)),
	}
	for _, def := range definitions {
		c.byName[def.Name] = def
	}
	return c
}

// DefaultCatalog lists the permissions the console's pages and API routes ask for.
func DefaultCatalog() *Catalog {
	return NewCatalog([]Definition{
		{Name: ModelList, Resource: "model", Description: "Browse the model catalog"},
		{Name: ModelSearch, Resource: "model", Description: "Search models by name or fingerprint"},
		{Name: ModelGet, Resource: "model", Description: "Open a model and its sensor schema"},
		{Name: ModelUpdate, Resource: "model", Description: "Edit a model's sensor schema"},
		{Name: RecommendationList, Resource: "recommendation", Description: "Review device recommendations"},
		{Name: RecommendationPromote, Resource: "recommendation", Description: "Promote a recommendation to a known device"},
	})
}

func (c *Catalog) All() []Definition {
	return append([]Definition(nil), c.definitions...)
}

func (c *Catalog) ByName(name string) (Definition, bool) {
	def, ok := c.byName[name]
	return def, ok
}

// Describe pairs each held permission with its definition. Names the catalog
// does not know are returned with only Name set.
func (c *Catalog) Describe(held Set) []Definition {
	out := make([]Definition, 0, len(held))
	for _, name := range held.Sorted() {
		if def, ok := c.byName[name]; ok {
			out = append(out, def)
			continue
		}
		out = append(out, Definition{Name: name})
	}
	return out
}
