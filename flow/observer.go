package flow

import "time"

// StageInfo identifies a stage to an Observer.
type StageInfo struct {
	Flow  string
	Index int
	Name  string
}

// Observer receives per-stage lifecycle events. Hooks are called from the
// driver loop or from Invoke's caller, so implementations must be safe for
// concurrent use and must not block.
//
// Pushed fires when a packet is queued at a stage, Dispatched when its job is
// handed to the driver. Completed and Failed report the job outcome with the
// time spent since dispatch. Dropped fires for a failed packet at a stage
// without an error job. Emitted fires when a result leaves a stage.
type Observer interface {
	Pushed(info StageInfo, p *Packet)
	Dispatched(info StageInfo, p *Packet)
	Completed(info StageInfo, p *Packet, elapsed time.Duration)
	Failed(info StageInfo, p *Packet, err error, elapsed time.Duration)
	Dropped(info StageInfo, p *Packet, err error)
	Emitted(info StageInfo, kind EmitKind, p *Packet)
}

// NopObserver ignores every event. Embed it to implement only some hooks.
type NopObserver struct{}

func (NopObserver) Pushed(StageInfo, *Packet)                       {}
func (NopObserver) Dispatched(StageInfo, *Packet)                   {}
func (NopObserver) Completed(StageInfo, *Packet, time.Duration)     {}
func (NopObserver) Failed(StageInfo, *Packet, error, time.Duration) {}
func (NopObserver) Dropped(StageInfo, *Packet, error)               {}
func (NopObserver) Emitted(StageInfo, EmitKind, *Packet)            {}

// MultiObserver fans every event out to each observer in order.
type MultiObserver []Observer

func (m MultiObserver) Pushed(info StageInfo, p *Packet) {
	for _, o := range m {
		o.Pushed(info, p)
	}
}

func (m MultiObserver) Dispatched(info StageInfo, p *Packet) {
	for _, o := range m {
		o.Dispatched(info, p)
	}
}

func (m MultiObserver) Completed(info StageInfo, p *Packet, elapsed time.Duration) {
	for _, o := range m {
		o.Completed(info, p, elapsed)
	}
}

func (m MultiObserver) Failed(info StageInfo, p *Packet, err error, elapsed time.Duration) {
	for _, o := range m {
		o.Failed(info, p, err, elapsed)
	}
}

func (m MultiObserver) Dropped(info StageInfo, p *Packet, err error) {
	for _, o := range m {
		o.Dropped(info, p, err)
	}
}

func (m MultiObserver) Emitted(info StageInfo, kind EmitKind, p *Packet) {
	for _, o := range m {
		o.Emitted(info, kind, p)
	}
}

var (
	_ Observer = NopObserver{}
	_ Observer = MultiObserver(nil)
)
