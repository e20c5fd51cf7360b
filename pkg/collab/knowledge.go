package collab

import (
	"sort"
	"strings"
)

// Category groups ingredients by how they pair with wine.
type Category string

const (
	CategoryRedMeat   Category = "red-meat"
	CategoryPoultry   Category = "poultry"
	CategoryPork      Category = "pork"
	CategoryFish      Category = "fish"
	CategoryShellfish Category = "shellfish"
	CategoryCheese    Category = "cheese"
	CategoryVegetable Category = "vegetable"
	CategoryMushroom  Category = "mushroom"
	CategorySpicy     Category = "spicy"
	CategoryHerb      Category = "herb"
	CategoryDessert   Category = "dessert"
	CategoryPasta     Category = "pasta"
)

// ingredients maps every known ingredient to its category.
//
//nolint:gochecknoglobals
var ingredients = map[string]Category{
	"beef": CategoryRedMeat, "steak": CategoryRedMeat, "lamb": CategoryRedMeat, "venison": CategoryRedMeat,
	"duck": CategoryRedMeat, "brisket": CategoryRedMeat,
	"chicken": CategoryPoultry, "turkey": CategoryPoultry, "quail": CategoryPoultry,
	"pork": CategoryPork, "ham": CategoryPork, "bacon": CategoryPork, "sausage": CategoryPork,
	"salmon": CategoryFish, "tuna": CategoryFish, "cod": CategoryFish, "trout": CategoryFish,
	"halibut": CategoryFish, "sole": CategoryFish, "sea bass": CategoryFish,
	"shrimp": CategoryShellfish, "prawns": CategoryShellfish, "lobster": CategoryShellfish,
	"crab": CategoryShellfish, "oysters": CategoryShellfish, "scallops": CategoryShellfish, "mussels": CategoryShellfish,
	"brie": CategoryCheese, "cheddar": CategoryCheese, "parmesan": CategoryCheese, "goat cheese": CategoryCheese,
	"blue cheese": CategoryCheese, "gruyere": CategoryCheese,
	"asparagus": CategoryVegetable, "tomato": CategoryVegetable, "eggplant": CategoryVegetable,
	"zucchini": CategoryVegetable, "spinach": CategoryVegetable, "peppers": CategoryVegetable,
	"potato": CategoryVegetable, "tofu": CategoryVegetable, "lentils": CategoryVegetable,
	"mushroom": CategoryMushroom, "mushrooms": CategoryMushroom, "truffle": CategoryMushroom, "porcini": CategoryMushroom,
	"chili": CategorySpicy, "curry": CategorySpicy, "ginger": CategorySpicy, "jalapeno": CategorySpicy,
	"dill": CategoryHerb, "basil": CategoryHerb, "rosemary": CategoryHerb, "thyme": CategoryHerb,
	"garlic": CategoryHerb, "lemon": CategoryHerb, "butter": CategoryHerb,
	"chocolate": CategoryDessert, "strawberries": CategoryDessert, "cake": CategoryDessert, "tart": CategoryDessert,
	"pasta": CategoryPasta, "risotto": CategoryPasta, "pizza": CategoryPasta, "gnocchi": CategoryPasta,
}

// pairings lists wine styles per category, best first.
//
//nolint:gochecknoglobals
var pairings = map[Category][]pairing{
	CategoryRedMeat: {
		{Name: "Cabernet Sauvignon", Style: "red", Sweetness: "dry", Region: "Napa Valley", Reasoning: "firm tannins stand up to rich red meat"},
		{Name: "Syrah", Style: "red", Sweetness: "dry", Region: "Northern Rhone", Reasoning: "peppery fruit complements grilled meat"},
		{Name: "Malbec", Style: "red", Sweetness: "dry", Region: "Mendoza", Reasoning: "plush dark fruit for charred flavours"},
	},
	CategoryPoultry: {
		{Name: "Chardonnay", Style: "white", Sweetness: "dry", Region: "Burgundy", Reasoning: "round texture matches roast poultry"},
		{Name: "Pinot Noir", Style: "red", Sweetness: "dry", Region: "Burgundy", Reasoning: "light red that never overwhelms white meat"},
	},
	CategoryPork: {
		{Name: "Riesling", Style: "white", Sweetness: "off-dry", Region: "Mosel", Reasoning: "acidity and a touch of sweetness balance pork fat"},
		{Name: "Pinot Noir", Style: "red", Sweetness: "dry", Region: "Oregon", Reasoning: "bright cherry fruit suits pork"},
	},
	CategoryFish: {
		{Name: "Chablis", Style: "white", Sweetness: "dry", Region: "Burgundy", Reasoning: "crisp minerality cuts through oily fish"},
		{Name: "Sancerre", Style: "white", Sweetness: "dry", Region: "Loire", Reasoning: "citrus and herbs lift delicate fish"},
		{Name: "Pinot Noir", Style: "red", Sweetness: "dry", Region: "Oregon", Reasoning: "low tannin red that works with salmon and tuna"},
	},
	CategoryShellfish: {
		{Name: "Muscadet", Style: "white", Sweetness: "dry", Region: "Loire", Reasoning: "saline freshness made for shellfish"},
		{Name: "Champagne", Style: "sparkling", Sweetness: "dry", Region: "Champagne", Reasoning: "bubbles and acidity refresh the palate"},
		{Name: "Albarino", Style: "white", Sweetness: "dry", Region: "Rias Baixas", Reasoning: "zesty and briny"},
	},
	CategoryCheese: {
		{Name: "Port", Style: "fortified", Sweetness: "sweet", Region: "Douro", Reasoning: "sweetness balances salty cheese"},
		{Name: "Sauvignon Blanc", Style: "white", Sweetness: "dry", Region: "Marlborough", Reasoning: "classic with goat cheese"},
	},
	CategoryVegetable: {
		{Name: "Sauvignon Blanc", Style: "white", Sweetness: "dry", Region: "Loire", Reasoning: "green notes echo vegetables"},
		{Name: "Gruner Veltliner", Style: "white", Sweetness: "dry", Region: "Wachau", Reasoning: "handles hard-to-pair greens"},
	},
	CategoryMushroom: {
		{Name: "Pinot Noir", Style: "red", Sweetness: "dry", Region: "Burgundy", Reasoning: "earthy notes mirror mushrooms"},
		{Name: "Nebbiolo", Style: "red", Sweetness: "dry", Region: "Piedmont", Reasoning: "truffle and forest floor aromas"},
	},
	CategorySpicy: {
		{Name: "Gewurztraminer", Style: "white", Sweetness: "off-dry", Region: "Alsace", Reasoning: "aromatic sweetness tames heat"},
		{Name: "Riesling", Style: "white", Sweetness: "off-dry", Region: "Mosel", Reasoning: "low alcohol and sweetness cool spice"},
	},
	CategoryHerb: {
		{Name: "Sauvignon Blanc", Style: "white", Sweetness: "dry", Region: "Loire", Reasoning: "herbal lift"},
	},
	CategoryDessert: {
		{Name: "Sauternes", Style: "dessert", Sweetness: "sweet", Region: "Bordeaux", Reasoning: "the wine should be sweeter than the dessert"},
		{Name: "Moscato d'Asti", Style: "sparkling", Sweetness: "sweet", Region: "Piedmont", Reasoning: "light and fruity with fruit desserts"},
	},
	CategoryPasta: {
		{Name: "Chianti", Style: "red", Sweetness: "dry", Region: "Tuscany", Reasoning: "acidity matches tomato sauces"},
		{Name: "Barbera", Style: "red", Sweetness: "dry", Region: "Piedmont", Reasoning: "juicy acidity for rich pasta"},
	},
}

// crowdPleasers are safe choices when nothing better is known.
//
//nolint:gochecknoglobals
var crowdPleasers = []pairing{
	{Name: "Pinot Noir", Style: "red", Sweetness: "dry", Region: "Burgundy", Reasoning: "versatile light red"},
	{Name: "Champagne", Style: "sparkling", Sweetness: "dry", Region: "Champagne", Reasoning: "sparkling wine goes with almost anything"},
	{Name: "Sauvignon Blanc", Style: "white", Sweetness: "dry", Region: "Loire", Reasoning: "crisp and food friendly"},
}

type pairing struct {
	Name      string
	Style     string
	Sweetness string
	Region    string
	Reasoning string
}

// normalizeIngredient lowercases, trims and collapses whitespace.
func normalizeIngredient(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// categoryOf returns the category of a known ingredient, trying a singular form too.
func categoryOf(ingredient string) (Category, bool) {
	name := normalizeIngredient(ingredient)
	if c, ok := ingredients[name]; ok {
		return c, true
	}
	if strings.HasSuffix(name, "s") {
		if c, ok := ingredients[strings.TrimSuffix(name, "s")]; ok {
			return c, true
		}
	}
	return "", false
}

// closestIngredients returns known ingredients ordered by edit distance to name, at most n.
func closestIngredients(name string, n int) []scoredName {
	name = normalizeIngredient(name)
	scored := make([]scoredName, 0, len(ingredients))
	for known := range ingredients {
		scored = append(scored, scoredName{name: known, distance: levenshtein(name, known)})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].distance != scored[j].distance {
			return scored[i].distance < scored[j].distance
		}
		return scored[i].name < scored[j].name
	})
	if len(scored) > n {
		scored = scored[:n]
	}
	return scored
}

type scoredName struct {
	name     string
	distance int
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}
