package reactor

import (
	"golang.org/x/sys/unix"
)

type registration struct {
	events Event
	h      Handler
}

// PollReactor is a Reactor backed by the poll(2) syscall.
type PollReactor struct {
	regs    map[int]registration
	pending map[int]*registration // nil value means "unregister"
	inPoll  bool
}

// NewPollReactor constructs an empty PollReactor.
func NewPollReactor() *PollReactor {
	return &PollReactor{
		regs:    make(map[int]registration),
		pending: make(map[int]*registration),
	}
}

func (r *PollReactor) Register(fd int, events Event, h Handler) {
	reg := registration{events: events, h: h}
	if r.inPoll {
		r.pending[fd] = &reg
		return
	}
	r.regs[fd] = reg
}

func (r *PollReactor) Unregister(fd int) {
	if r.inPoll {
		r.pending[fd] = nil
		return
	}
	delete(r.regs, fd)
}

func (r *PollReactor) applyPending() {
	for fd, reg := range r.pending {
		if reg == nil {
			delete(r.regs, fd)
		} else {
			r.regs[fd] = *reg
		}
	}
	r.pending = make(map[int]*registration)
}

func toPollEvents(e Event) int16 {
	var pe int16
	if e&Readable != 0 {
		pe |= unix.POLLIN
	}
	if e&Writable != 0 {
		pe |= unix.POLLOUT
	}
	if e&Exceptional != 0 {
		pe |= unix.POLLPRI
	}
	return pe
}

func (r *PollReactor) Poll(timeoutMillis int) (int, error) {
	if len(r.regs) == 0 {
		return 0, nil
	}

	fds := make([]unix.PollFd, 0, len(r.regs))
	order := make([]int, 0, len(r.regs))
	for fd, reg := range r.regs {
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: toPollEvents(reg.events)})
		order = append(order, fd)
	}

	n, err := unix.Poll(fds, timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	r.inPoll = true
	dispatched := 0
	for i, pfd := range fds {
		if pfd.Revents == 0 {
			continue
		}
		fd := order[i]
		reg, ok := r.regs[fd]
		if !ok {
			continue
		}
		dispatched++
		if pfd.Revents&unix.POLLIN != 0 {
			reg.h.OnReadable()
		}
		if pfd.Revents&unix.POLLOUT != 0 {
			reg.h.OnWritable()
		}
		if pfd.Revents&(unix.POLLPRI|unix.POLLERR|unix.POLLHUP) != 0 {
			reg.h.OnExceptional()
		}
	}
	r.inPoll = false
	r.applyPending()

	return dispatched, nil
}
