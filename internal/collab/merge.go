package collab

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrInvalidUpdate indicates an update payload could not be decoded or is empty.
	ErrInvalidUpdate = errors.New("collab: invalid update")
	// ErrInvalidState indicates a state payload could not be decoded.
	ErrInvalidState = errors.New("collab: invalid state")
)

// BlockWrite is a single last-writer-wins register write for one document block.
type BlockWrite struct {
	BlockID string `json:"block_id"`
	Value   string `json:"value"`
	Sort    string `json:"sort"`
	Lamport int64  `json:"lamport"`
	Actor   string `json:"actor"`
	Deleted bool   `json:"deleted,omitempty"`
}

// Update is a batch of block writes produced by one editor action.
type Update struct {
	Writes []BlockWrite `json:"writes"`
}

// DecodeUpdate parses an encoded update payload.
func DecodeUpdate(payload []byte) (Update, error) {
	var update Update
	if err := json.Unmarshal(payload, &update); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	if len(update.Writes) == 0 {
		return Update{}, fmt.Errorf("%w: no writes", ErrInvalidUpdate)
	}
	for _, write := range update.Writes {
		if strings.TrimSpace(write.BlockID) == "" {
			return Update{}, fmt.Errorf("%w: empty block id", ErrInvalidUpdate)
		}
		if write.Lamport <= 0 {
			return Update{}, fmt.Errorf("%w: non-positive lamport clock", ErrInvalidUpdate)
		}
	}
	return update, nil
}

// Encode serializes the update for transport.
func (update Update) Encode() ([]byte, error) {
	return json.Marshal(update)
}

// State is the merged document: a last-writer-wins element map keyed by
// block identifier. Deleted blocks remain as tombstones so that deletes
// commute with concurrent writes.
type State struct {
	blocks map[string]BlockWrite
}

type encodedState struct {
	Blocks []BlockWrite `json:"blocks"`
}

// NewState returns an empty document state.
func NewState() *State {
	return &State{blocks: make(map[string]BlockWrite)}
}

// DecodeState parses an encoded state payload.
func DecodeState(payload []byte) (*State, error) {
	var decoded encodedState
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	state := NewState()
	for _, block := range decoded.Blocks {
		if strings.TrimSpace(block.BlockID) == "" {
			return nil, fmt.Errorf("%w: empty block id", ErrInvalidState)
		}
		state.applyWrite(block)
	}
	return state, nil
}

// Apply merges an update into the state. Merging is commutative,
// associative, and idempotent: any arrival order of the same updates
// converges to the same state. Updates are never rejected as stale.
func (state *State) Apply(update Update) {
	for _, write := range update.Writes {
		state.applyWrite(write)
	}
}

func (state *State) applyWrite(incoming BlockWrite) {
	existing, ok := state.blocks[incoming.BlockID]
	if !ok || writeWins(incoming, existing) {
		state.blocks[incoming.BlockID] = incoming
	}
}

// writeWins reports whether a should replace b. The ordering is total and
// independent of arrival order: lamport clock first, then actor, then the
// remaining fields as deterministic tiebreakers.
func writeWins(a, b BlockWrite) bool {
	if a.Lamport != b.Lamport {
		return a.Lamport > b.Lamport
	}
	if a.Actor != b.Actor {
		return a.Actor > b.Actor
	}
	if a.Value != b.Value {
		return a.Value > b.Value
	}
	if a.Sort != b.Sort {
		return a.Sort > b.Sort
	}
	return a.Deleted && !b.Deleted
}

// Encode returns a deterministic byte snapshot of the merged state.
func (state *State) Encode() ([]byte, error) {
	blocks := make([]BlockWrite, 0, len(state.blocks))
	for _, block := range state.blocks {
		blocks = append(blocks, block)
	}
	sort.Slice(blocks, func(i, j int) bool {
		return blocks[i].BlockID < blocks[j].BlockID
	})
	return json.Marshal(encodedState{Blocks: blocks})
}

// Text renders the document as plain text: live blocks ordered by their
// sort key, joined with newlines.
func (state *State) Text() string {
	live := make([]BlockWrite, 0, len(state.blocks))
	for _, block := range state.blocks {
		if block.Deleted {
			continue
		}
		live = append(live, block)
	}
	sort.Slice(live, func(i, j int) bool {
		if live[i].Sort != live[j].Sort {
			return live[i].Sort < live[j].Sort
		}
		return live[i].BlockID < live[j].BlockID
	})
	values := make([]string, 0, len(live))
	for _, block := range live {
		values = append(values, block.Value)
	}
	return strings.Join(values, "\n")
}

// MaxLamport returns the highest lamport clock observed in the state.
func (state *State) MaxLamport() int64 {
	var max int64
	for _, block := range state.blocks {
		if block.Lamport > max {
			max = block.Lamport
		}
	}
	return max
}

// BlockCount returns the number of tracked blocks, tombstones included.
func (state *State) BlockCount() int {
	return len(state.blocks)
}

// ReplacementUpdate builds an update that overwrites this state with the
// replacement document: every replacement block is written and every
// surviving block absent from the replacement is tombstoned, all at a
// lamport clock above anything the state has observed. Applying the
// returned update to any replica that has seen a subset of this state
// converges it to the replacement content.
func (state *State) ReplacementUpdate(actor string, replacement *State) Update {
	clock := state.MaxLamport() + 1
	if replacementMax := replacement.MaxLamport(); replacementMax >= clock {
		clock = replacementMax + 1
	}

	writes := make([]BlockWrite, 0, len(replacement.blocks)+len(state.blocks))
	for _, block := range replacement.blocks {
		if block.Deleted {
			continue
		}
		writes = append(writes, BlockWrite{
			BlockID: block.BlockID,
			Value:   block.Value,
			Sort:    block.Sort,
			Lamport: clock,
			Actor:   actor,
		})
	}
	for blockID, block := range state.blocks {
		if block.Deleted {
			continue
		}
		if replacementBlock, ok := replacement.blocks[blockID]; ok && !replacementBlock.Deleted {
			continue
		}
		writes = append(writes, BlockWrite{
			BlockID: blockID,
			Sort:    block.Sort,
			Lamport: clock,
			Actor:   actor,
			Deleted: true,
		})
	}
	sort.Slice(writes, func(i, j int) bool {
		return writes[i].BlockID < writes[j].BlockID
	})
	return Update{Writes: writes}
}

// StateFromText builds a single-actor state whose text renders to the
// provided content, one block per line. Used when restoring a version
// that predates structured document state.
func StateFromText(actor string, content string) *State {
	state := NewState()
	if content == "" {
		return state
	}
	lines := strings.Split(content, "\n")
	width := len(fmt.Sprintf("%d", len(lines)))
	for index, line := range lines {
		sortKey := fmt.Sprintf("%0*d", width, index)
		state.applyWrite(BlockWrite{
			BlockID: fmt.Sprintf("%s-%s", actor, sortKey),
			Value:   line,
			Sort:    sortKey,
			Lamport: 1,
			Actor:   actor,
		})
	}
	return state
}
