package collector

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jnesss/stack-analyzer/types"
)

// TimeLayout is the timestamp format of a rendered report
const TimeLayout = "20060102_15_04_05"

// Report is one collector's snapshot for one window
type Report struct {
	Collector string
	Scale     types.Scale
	Time      time.Time
	Items     []types.CountItem

	// Traces maps stack ids to instruction pointers, innermost first
	Traces map[int32][]uint64
	Tasks  map[uint32]types.TaskInfo
}

// Scaled returns an item's value converted to Scale.Unit
func (r Report) Scaled(it types.CountItem) float64 {
	return it.Value * float64(r.Scale.Period)
}

// Total returns the sum of every scaled item
func (r Report) Total() float64 {
	var total float64
	for _, it := range r.Items {
		total += r.Scaled(it)
	}
	return total
}

// String renders the report in the line-oriented text format
func (r Report) String() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "time:%s\n", r.Time.Format(TimeLayout))
	fmt.Fprintf(&sb, "Type:%s Unit:%s Period:%d\n", r.Scale.Type, r.Scale.Unit, r.Scale.Period)

	sb.WriteString("counts:\n")
	sb.WriteString("pid\tusid\tksid\tvalue\n")
	for _, it := range r.Items {
		fmt.Fprintf(&sb, "%d\t%d\t%d\t%s\n", it.Key.Pid, it.Key.Usid, it.Key.Ksid,
			strconv.FormatFloat(r.Scaled(it), 'f', -1, 64))
	}

	if len(r.Traces) > 0 {
		sb.WriteString("traces:\n")
		sb.WriteString("sid\ttrace\n")
		for _, id := range sortedKeys(r.Traces) {
			fmt.Fprintf(&sb, "%d\t", id)
			ips := r.Traces[id]
			for i := len(ips) - 1; i >= 0; i-- {
				fmt.Fprintf(&sb, "0x%x;", ips[i])
			}
			sb.WriteByte('\n')
		}
	}

	if len(r.Tasks) > 0 {
		sb.WriteString("info:\n")
		sb.WriteString("pid\tNSpid\tcomm\ttgid\tcgroup\n")
		for _, pid := range sortedKeys(r.Tasks) {
			t := r.Tasks[pid]
			fmt.Fprintf(&sb, "%d\t%d\t%s\t%d\t%s\n", pid, t.Pid, t.Comm, t.Tgid, t.ContainerID)
		}
	}

	sb.WriteString("OK\n")
	return sb.String()
}

func sortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
