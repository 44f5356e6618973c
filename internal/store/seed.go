package store

import (
	"time"

	"groveline/internal/config"
	"groveline/internal/domain"
)

const seedWallet = "0x9aF3b1e7D2c04A51e8B6f4C7d0a28E93b5C61F20"

// Seed returns the bundled default registry: the stage template catalog
// from the built-in config plus one demo plantation so a fresh install is
// not empty.
func Seed() *domain.Registry {
	start := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	demo := domain.Plantation{
		ID:               "demo-cacao-norte",
		SeedName:         "Cacao Criollo",
		Location:         "Finca Norte, Huila",
		Stage:            domain.StagePlanted,
		StartDate:        start.Format(time.RFC3339),
		UpdatedAt:        start.Format(time.RFC3339),
		Wallet:           seedWallet,
		TreeCount:        1200,
		AreaHectares:     4.5,
		CarbonOffsetTons: 18.2,
		Coordinates:      &domain.Coordinates{Lat: 2.5359, Lng: -75.5277},
		Collaborators: []domain.Collaborator{
			{
				ID:   "demo-collab-ines",
				Name: "Inés Rodríguez",
				Role: "agronomist",
			},
		},
	}
	return &domain.Registry{
		SchemaVersion: SchemaVersion,
		Plantations:   []domain.Plantation{demo},
		RecurringTemplates: []domain.RecurringTaskTemplate{
			{
				ID:           "demo-weekly-watering",
				PlantationID: demo.ID,
				Title:        "Deep watering pass",
				Description:  "Row-by-row drip check, note dry spots",
				Frequency:    domain.FrequencyWeekly,
				Interval:     1,
				LeadTimeDays: 1,
				NextRunDate:  start.AddDate(0, 0, 7).Format(time.RFC3339),
				CreatedAt:    start.Format(time.RFC3339),
				Enabled:      true,
			},
		},
		StageTemplates: config.Default().StageTemplates,
	}
}
