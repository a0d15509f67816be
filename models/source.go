package models

import "voting-aggregator/source"

type PowerSource struct {
	ID          uint64      `json:"id"`           // sequential, never reused
	Address     string      `json:"address"`      // hex address of the balance source
	Kind        source.Kind `json:"kind"`         // balance_with_checkpoints | external_staking
	Weight      string      `json:"weight"`       // current weight, decimal
	Enabled     bool        `json:"enabled"`      // disabled sources are skipped by every aggregation
	HistorySize int         `json:"history_size"` // number of weight checkpoints
}

type Checkpoint struct {
	At    uint64 `json:"at"`
	Value string `json:"value"`
}

type Period struct {
	EnabledFrom uint64  `json:"enabled_from"`
	DisabledOn  *uint64 `json:"disabled_on,omitempty"` // nil while the period is open
}
