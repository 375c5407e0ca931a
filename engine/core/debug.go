package core

import (
	"fmt"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/forgerun/forge/engine/sequence"
)

// DebugSnapshot renders the live population and KV usage as a table, the
// same role 'ollama ps'/server/sched.go's runner dump plays for loaded
// models, scoped here to in-flight sequences instead.
func (e *Engine) DebugSnapshot() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "steps=%d admitted=%d completed=%d failed=%d preemptions=%d\n",
		e.metrics.stepsTotal.Load(),
		e.metrics.requestsAdmitted.Load(),
		e.metrics.requestsCompleted.Load(),
		e.metrics.requestsFailed.Load(),
		e.metrics.preemptions.Load(),
	)
	fmt.Fprintf(&sb, "kv: free=%d total=%d block_size=%d\n\n", e.kv.FreeBlocks(), e.kv.TotalBlocks(), e.kv.BlockSize())

	table := tablewriter.NewWriter(&sb)
	table.SetHeader([]string{"request", "state", "prompt", "generated", "prefill_fed", "wait_steps", "preemptions"})

	seqs := e.pop.All()
	sortByArrival(seqs)
	for _, seq := range seqs {
		table.Append([]string{
			seq.RequestID,
			seq.State.String(),
			fmt.Sprintf("%d", seq.PromptLen()),
			fmt.Sprintf("%d", seq.NGenerated),
			fmt.Sprintf("%d", seq.PrefillFed),
			fmt.Sprintf("%d", seq.WaitSteps),
			fmt.Sprintf("%d", seq.PreemptionCount),
		})
	}
	table.Render()

	return sb.String()
}

func sortByArrival(seqs []*sequence.Sequence) {
	for i := 1; i < len(seqs); i++ {
		for j := i; j > 0 && seqs[j].ArrivalRank < seqs[j-1].ArrivalRank; j-- {
			seqs[j], seqs[j-1] = seqs[j-1], seqs[j]
		}
	}
}
