package conversation

import (
	"math/rand"
	"sort"
)

// TapeGenerator builds the ordered speaking plan for a round.
// The RNG is injected so round shuffles can be pinned in tests.
type TapeGenerator struct {
	rng *rand.Rand
}

// NewTapeGenerator creates a tape generator using the given RNG for the
// per-round shuffle of regular agents.
func NewTapeGenerator(rng *rand.Rand) *TapeGenerator {
	return &TapeGenerator{rng: rng}
}

// partition splits member agents into priority (descending), regular
// (shuffled per round), and last (more negative speaks later) groups.
func (g *TapeGenerator) partition(members []*Agent) (priority, regular, last []*Agent) {
	for _, a := range members {
		switch {
		case a.Priority > 0:
			priority = append(priority, a)
		case a.Priority < 0:
			last = append(last, a)
		default:
			regular = append(regular, a)
		}
	}

	sort.SliceStable(priority, func(i, j int) bool {
		return priority[i].Priority > priority[j].Priority
	})
	sort.SliceStable(last, func(i, j int) bool {
		return last[i].Priority > last[j].Priority
	})
	g.rng.Shuffle(len(regular), func(i, j int) {
		regular[i], regular[j] = regular[j], regular[i]
	})

	return priority, regular, last
}

// interruptCellFor builds the interrupt cell provoked by speaker, excluding
// the speaker itself from the reacting set.
func interruptCellFor(interrupts []*Agent, speaker *Agent) TurnCell {
	ids := make([]int64, 0, len(interrupts))
	for _, a := range interrupts {
		if a.ID == speaker.ID {
			continue
		}
		ids = append(ids, a.ID)
	}
	trigger := speaker.ID
	return TurnCell{Kind: CellInterrupt, AgentIDs: ids, TriggeringAgentID: &trigger}
}

// appendSpeaker emits the speaker's sequential cell, followed by an
// interrupt cell when the speaker is non-transparent.
func appendSpeaker(tape Tape, speaker *Agent, interrupts []*Agent) Tape {
	tape = append(tape, TurnCell{Kind: CellSequential, AgentIDs: []int64{speaker.ID}})
	if !speaker.Transparent {
		tape = append(tape, interruptCellFor(interrupts, speaker))
	}
	return tape
}

// Initial builds the tape for the round that follows a user message.
// Interrupt agents react to the user first; a mentioned agent speaks before
// everyone else in its round.
func (g *TapeGenerator) Initial(members, interrupts []*Agent, mentionedID *int64) Tape {
	var tape Tape

	if len(interrupts) > 0 {
		ids := make([]int64, 0, len(interrupts))
		for _, a := range interrupts {
			ids = append(ids, a.ID)
		}
		tape = append(tape, TurnCell{Kind: CellInterrupt, AgentIDs: ids})
	}

	var mentioned *Agent
	if mentionedID != nil {
		for _, a := range members {
			if a.ID == *mentionedID {
				mentioned = a
				break
			}
		}
		if mentioned == nil {
			for _, a := range interrupts {
				if a.ID == *mentionedID {
					mentioned = a
					break
				}
			}
		}
	}

	if mentioned != nil {
		tape = append(tape, TurnCell{Kind: CellSequential, AgentIDs: []int64{mentioned.ID}})
		if !mentioned.Transparent && len(interrupts) > 0 {
			tape = append(tape, interruptCellFor(interrupts, mentioned))
		}
	}

	priority, regular, last := g.partition(members)
	for _, group := range [][]*Agent{priority, regular, last} {
		for _, a := range group {
			if mentioned != nil && a.ID == mentioned.ID {
				continue
			}
			tape = appendSpeaker(tape, a, interrupts)
		}
	}

	return tape
}

// Followup builds the tape for an orchestrator-initiated round: same
// composition minus the leading interrupt cell and mention handling.
func (g *TapeGenerator) Followup(members, interrupts []*Agent) Tape {
	var tape Tape

	priority, regular, last := g.partition(members)
	for _, group := range [][]*Agent{priority, regular, last} {
		for _, a := range group {
			tape = appendSpeaker(tape, a, interrupts)
		}
	}

	return tape
}
