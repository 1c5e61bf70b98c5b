package catalog

// Default returns the built-in catalog used when no catalog file is configured.
func Default() *Catalog {
	c, err := New([]Book{
		{
			ID:     1,
			Title:  "Tu es une solution de Dieu pour ta génération",
			Author: "Samuel M. Dalum",
			Genre:  "Développement personnel chrétien / Littérature chrétienne pour la jeunesse",
			Description: "Un appel à une génération en quête de sens, invitant les jeunes à se reconnecter " +
				"à leur identité et à leur mission spirituelle.",
			Cover:       "cover.png",
			File:        "Solution 1.pdf",
			Rating:      4.8,
			FileSize:    "458 Ko",
			Pages:       58,
			PublishYear: 2025,
		},
	})
	if err != nil {
		panic("invalid built-in catalog: " + err.Error())
	}
	return c
}
