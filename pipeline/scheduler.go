package pipeline

// Scheduler maps a user facing scheduler name onto the engine's sampler and
// noise schedule.
type Scheduler struct {
	Name     string `json:"name"`
	Sampler  string `json:"sampler"`
	Schedule string `json:"schedule"`
}

const DefaultScheduler = "Euler A"

var schedulers = []Scheduler{
	{Name: "Euler A", Sampler: "euler_ancestral", Schedule: "normal"},
	{Name: "DPM++ 2M", Sampler: "dpmpp_2m", Schedule: "normal"},
	{Name: "DDIM", Sampler: "ddim", Schedule: "ddim_uniform"},
	{Name: "UniPC", Sampler: "uni_pc", Schedule: "normal"},
	{Name: "Euler", Sampler: "euler", Schedule: "normal"},
	{Name: "LMS", Sampler: "lms", Schedule: "normal"},
}

// sd3Scheduler replaces the selection for SD3, which keeps its own
// flow-matching sampler.
var sd3Scheduler = Scheduler{Name: "FlowMatch Euler", Sampler: "euler", Schedule: "sgm_uniform"}

// SchedulerNames returns the selectable scheduler names in display order.
func SchedulerNames() []string {
	names := make([]string, len(schedulers))
	for i, s := range schedulers {
		names[i] = s.Name
	}
	return names
}

// LookupScheduler finds a scheduler by name. "" selects DefaultScheduler.
func LookupScheduler(name string) (Scheduler, bool) {
	if name == "" {
		name = DefaultScheduler
	}
	for _, s := range schedulers {
		if s.Name == name {
			return s, true
		}
	}
	return Scheduler{}, false
}
