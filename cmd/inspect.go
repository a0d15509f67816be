package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"voting-aggregator/config"
	"voting-aggregator/db"
	"voting-aggregator/models"
	"voting-aggregator/period"
	"voting-aggregator/registry"
	"voting-aggregator/repository"
)

type inspection struct {
	Height     uint64             `json:"height"`
	Sources    []*inspectedSource `json:"sources"`
	Forwarding []period.Period    `json:"forwarding_periods"`
}

type inspectedSource struct {
	*models.PowerSource
	Weights []models.Checkpoint `json:"weights"`
}

// newInspectCmd dumps the persisted registry without starting the server.
func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Print the persisted power sources and forwarding periods",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			store, err := db.Open(cfg.Storage.Engine, cfg.Storage.Path)
			if err != nil {
				return fmt.Errorf("open %s store: %w", cfg.Storage.Engine, err)
			}
			defer store.Close()

			out, err := inspect(repository.NewKVRepository(store))
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

func inspect(repo repository.Repository) (*inspection, error) {
	height, err := repo.GetHeight()
	if err != nil {
		return nil, err
	}
	sources, err := repo.GetAllSources()
	if err != nil {
		return nil, err
	}

	out := &inspection{Height: height, Sources: make([]*inspectedSource, 0, len(sources))}
	for _, src := range sources {
		history, err := repo.GetHistory(registry.WeightSubject(src.ID))
		if err != nil {
			return nil, fmt.Errorf("power source %d: %w", src.ID, err)
		}
		weights := make([]models.Checkpoint, len(history))
		for i, cp := range history {
			weights[i] = models.Checkpoint{At: cp.At, Value: cp.Value.String()}
		}
		out.Sources = append(out.Sources, &inspectedSource{PowerSource: src, Weights: weights})
	}

	if out.Forwarding, err = repo.GetForwardingPeriods(); err != nil {
		return nil, err
	}
	return out, nil
}
