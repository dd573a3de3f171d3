package system

// Label names a phase of the tick. Phases run in order, and every system in a phase finishes before the next
// phase starts.
//
// The full order after AddSchedules is:
//   - First
//   - Input
//   - PostInput
//   - Deletion
//   - Dispatch
//   - PreUpdate
//   - Update
//   - PostUpdate
//   - PreOutput
//   - Output
//   - Last
type Label string

const (
	// First runs before anything else. Event buffers are swapped here.
	First Label = "First"
	// Input is for systems that accept input from an external source.
	Input Label = "Input"
	// PostInput is for systems that update auxiliary indexes.
	PostInput Label = "PostInput"
	// Deletion is for systems that remove deferred-deleted entities.
	Deletion Label = "Deletion"
	// Dispatch is for systems that route events into specific handlers.
	Dispatch Label = "Dispatch"
	PreUpdate  Label = "PreUpdate"
	Update     Label = "Update"
	PostUpdate Label = "PostUpdate"
	// PreOutput is for systems that prepare data for output.
	PreOutput Label = "PreOutput"
	// Output is for systems that send data to an external source.
	Output Label = "Output"
	// Last runs after everything else. Tick-deferred commands are applied here.
	Last Label = "Last"
)

func (l Label) String() string {
	return string(l)
}

// mainOrder is the phase order of a manager before AddSchedules is called.
func mainOrder() []Label {
	return []Label{First, PreUpdate, Update, PostUpdate, Last}
}

// AddSchedules inserts the input, indexing, deletion, dispatch and output phases around the main phases.
func AddSchedules(m *Manager) error {
	for _, p := range []struct{ label, after Label }{
		{Input, First},
		{PostInput, Input},
		{Deletion, PostInput},
		{Dispatch, Deletion},
		{PreOutput, PostUpdate},
		{Output, PreOutput},
	} {
		if err := m.AddScheduleAfter(p.label, p.after); err != nil {
			return err
		}
	}
	return nil
}
