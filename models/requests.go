package models

type AddSourceRequest struct {
	Address string `json:"address"`
	Kind    string `json:"kind"`
	Weight  string `json:"weight"`
}

type WeightRequest struct {
	Weight string `json:"weight"`
}

type TokenEventRequest struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

type ForwardRequest struct {
	Account string `json:"account"`
	Script  string `json:"script"` // 0x-prefixed hex call script
}

type PeriodRequest struct {
	At string `json:"at"` // decimal reference point
}
