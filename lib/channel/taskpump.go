package channel

import (
	"github.com/ValentinKolb/dIPC/lib/util"
)

// taskPump executes queued tasks on one goroutine in submission order.
// Every user-facing callback of a channel runs here, so the observable
// callback order is total even though events originate on the reader, the
// writer and arbitrary caller goroutines.
//
// Submission order is well defined because all posts happen while holding
// the channel mutex: the underlying queue linearizes non-overlapping pushes.
type taskPump struct {
	tasks *util.MPSC[func()]
	done  chan struct{}
}

func newTaskPump() *taskPump {
	p := &taskPump{
		tasks: util.NewMPSC[func()](),
		done:  make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *taskPump) run() {
	defer close(p.done)
	for task := range p.tasks.Recv() {
		(*task)()
	}
}

// post schedules a task. Tasks posted after stop are dropped.
func (p *taskPump) post(task func()) {
	p.tasks.Push(&task)
}

// stop lets already queued tasks finish and then ends the pump goroutine
func (p *taskPump) stop() {
	p.tasks.Close()
}

// wait blocks until the pump goroutine has exited
func (p *taskPump) wait() {
	<-p.done
}
