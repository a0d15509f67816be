package aggregator

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// CallsScriptVersion identifies the only call script layout understood:
// a 4-byte version id followed by [20-byte target][4-byte length][calldata]
// repeated until the end of the script.
const CallsScriptVersion uint32 = 1

const selectorSize = 4

// Action is a single call carried by a script.
type Action struct {
	Target   common.Address
	Calldata []byte
}

// Selector returns the 4-byte function selector of the call.
func (a Action) Selector() [4]byte {
	var sel [4]byte
	copy(sel[:], a.Calldata)
	return sel
}

func EncodeCallsScript(actions ...Action) []byte {
	size := 4
	for _, a := range actions {
		size += common.AddressLength + 4 + len(a.Calldata)
	}
	out := make([]byte, 4, size)
	binary.BigEndian.PutUint32(out, CallsScriptVersion)
	for _, a := range actions {
		out = append(out, a.Target.Bytes()...)
		out = binary.BigEndian.AppendUint32(out, uint32(len(a.Calldata)))
		out = append(out, a.Calldata...)
	}
	return out
}

func DecodeCallsScript(script []byte) ([]Action, error) {
	if len(script) < 4 {
		return nil, fmt.Errorf("%w: script too short", ErrInvalidCallOrSelector)
	}
	if id := binary.BigEndian.Uint32(script[:4]); id != CallsScriptVersion {
		return nil, fmt.Errorf("%w: unknown version id %d", ErrInvalidCallOrSelector, id)
	}

	var actions []Action
	rest := script[4:]
	for len(rest) > 0 {
		if len(rest) < common.AddressLength+4 {
			return nil, fmt.Errorf("%w: truncated action header", ErrInvalidCallOrSelector)
		}
		target := common.BytesToAddress(rest[:common.AddressLength])
		n := binary.BigEndian.Uint32(rest[common.AddressLength : common.AddressLength+4])
		rest = rest[common.AddressLength+4:]
		if uint64(n) > uint64(len(rest)) {
			return nil, fmt.Errorf("%w: truncated calldata", ErrInvalidCallOrSelector)
		}
		if n < selectorSize {
			return nil, fmt.Errorf("%w: calldata without selector", ErrInvalidCallOrSelector)
		}
		calldata := make([]byte, n)
		copy(calldata, rest[:n])
		rest = rest[n:]
		actions = append(actions, Action{Target: target, Calldata: calldata})
	}
	if len(actions) == 0 {
		return nil, fmt.Errorf("%w: empty script", ErrInvalidCallOrSelector)
	}
	return actions, nil
}
