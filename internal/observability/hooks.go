package observability

// Recorder accepts metric samples. *Registry implements it.
type Recorder interface {
	IncCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
}

// Hooks is the instrumentation handed to the coordination core. The zero value
// and a nil *Hooks record nothing.
type Hooks struct {
	Metrics Recorder
}

// NewHooks returns hooks that record into r.
func NewHooks(r Recorder) *Hooks {
	return &Hooks{Metrics: r}
}

func (h *Hooks) inc(name string, labels map[string]string) {
	if h == nil || h.Metrics == nil {
		return
	}
	h.Metrics.IncCounter(name, labels, 1)
}

// ClaimResult counts one claim attempt; result is "won", "lost" or "error".
func (h *Hooks) ClaimResult(result string) {
	h.inc(MetricTaskClaims, map[string]string{"result": result})
}

// Transition counts a task state change into status to.
func (h *Hooks) Transition(to string) {
	h.inc(MetricTaskTransitions, map[string]string{"to": to})
}

// SpendResult counts one spend attempt; result is "ok" or the refusal kind.
func (h *Hooks) SpendResult(result string) {
	h.inc(MetricBudgetSpend, map[string]string{"result": result})
}

// AlertEmitted counts a threshold alert.
func (h *Hooks) AlertEmitted(level string) {
	h.inc(MetricBudgetAlerts, map[string]string{"level": level})
}

// EscalationResult counts one escalate call; result is "routed" or "exhausted".
func (h *Hooks) EscalationResult(result string) {
	h.inc(MetricEscalations, map[string]string{"result": result})
}

// BudgetUsed publishes the used amount of a node.
func (h *Hooks) BudgetUsed(nodeID string, used float64) {
	if h == nil || h.Metrics == nil {
		return
	}
	h.Metrics.SetGauge(MetricBudgetUsed, map[string]string{"node": nodeID}, used)
}
