package ptraceback

import (
	"fmt"
	"os/exec"
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"
)

// All ptrace calls against a process, including the PTRACE_TRACEME
// performed by exec.Cmd.Start, must originate from the same os thread.
// The tracer therefore runs a single os-locked goroutine serving
// requests over a channel.
//
// https://github.com/golang/go/issues/7699

type opType int

const (
	startOp opType = iota
	detachOp
	resumeOp
	stepOp
	getRegsOp
	setRegsOp
	peekDataOp
	pokeDataOp
	readMemoryOp
)

type request struct {
	opType

	cmd *exec.Cmd

	pid    int
	signal int

	addr uintptr
	data []byte

	regs *unix.PtraceRegs

	responseChan chan response
}

type response struct {
	count  int
	status syscall.WaitStatus
	err    error
}

type tracer struct {
	pid int

	requestChan chan request
	closed      chan struct{}
}

func startTracer(cmd *exec.Cmd) (*tracer, syscall.WaitStatus, error) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Ptrace = true

	// Keep signals aimed at the inspector away from the child.
	cmd.SysProcAttr.Setpgid = true

	t := &tracer{
		requestChan: make(chan request),
		closed:      make(chan struct{}),
	}
	go t.serve()

	resp, err := t.send(request{opType: startOp, cmd: cmd})
	if err != nil {
		close(t.requestChan)
		return nil, 0, err
	}

	t.pid = cmd.Process.Pid
	return t, resp.status, nil
}

func (t *tracer) send(req request) (response, error) {
	select {
	case <-t.closed:
		return response{}, fmt.Errorf(
			"invalid operation. tracer has detached from process %d",
			t.pid)
	default:
	}

	respChan := make(chan response, 1)
	req.pid = t.pid
	req.responseChan = respChan

	t.requestChan <- req
	resp := <-respChan
	return resp, resp.err
}

func (t *tracer) serve() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for req := range t.requestChan {
		switch req.opType {
		case startOp:
			req.responseChan <- serveStart(req)
		case detachOp:
			req.responseChan <- serveDetach(req)
			close(t.closed)
			return
		case resumeOp:
			req.responseChan <- serveResume(req)
		case stepOp:
			req.responseChan <- serveStep(req)
		case getRegsOp:
			req.responseChan <- serveGetRegs(req)
		case setRegsOp:
			req.responseChan <- serveSetRegs(req)
		case peekDataOp:
			req.responseChan <- servePeekData(req)
		case pokeDataOp:
			req.responseChan <- servePokeData(req)
		case readMemoryOp:
			req.responseChan <- serveReadMemory(req)
		}
	}
}

func serveStart(req request) response {
	err := req.cmd.Start()
	if err != nil {
		return response{err: fmt.Errorf("failed to start process: %w", err)}
	}

	// The child stops with SIGTRAP at execve.
	var status syscall.WaitStatus
	_, err = syscall.Wait4(req.cmd.Process.Pid, &status, 0, nil)
	if err != nil {
		return response{
			err: fmt.Errorf("failed to wait for traced process: %w", err),
		}
	}

	return response{status: status}
}

func serveDetach(req request) response {
	err := syscall.PtraceDetach(req.pid)
	if err != nil {
		err = fmt.Errorf("failed to detach from process %d: %w", req.pid, err)
	}
	return response{err: err}
}

func serveResume(req request) response {
	err := syscall.PtraceCont(req.pid, req.signal)
	if err != nil {
		return response{
			err: fmt.Errorf("failed to resume process %d: %w", req.pid, err),
		}
	}

	return serveWait(req.pid)
}

func serveStep(req request) response {
	err := syscall.PtraceSingleStep(req.pid)
	if err != nil {
		return response{
			err: fmt.Errorf("failed to single step process %d: %w", req.pid, err),
		}
	}

	return serveWait(req.pid)
}

func serveWait(pid int) response {
	var status syscall.WaitStatus
	_, err := syscall.Wait4(pid, &status, 0, nil)
	if err != nil {
		return response{
			err: fmt.Errorf("failed to wait for process %d: %w", pid, err),
		}
	}

	return response{status: status}
}

func serveGetRegs(req request) response {
	err := unix.PtraceGetRegs(req.pid, req.regs)
	if err != nil {
		err = fmt.Errorf(
			"failed to get register values from process %d: %w",
			req.pid,
			err)
	}
	return response{err: err}
}

func serveSetRegs(req request) response {
	err := unix.PtraceSetRegs(req.pid, req.regs)
	if err != nil {
		err = fmt.Errorf(
			"failed to set register values for process %d: %w",
			req.pid,
			err)
	}
	return response{err: err}
}

func servePeekData(req request) response {
	count, err := syscall.PtracePeekData(req.pid, req.addr, req.data)
	if err != nil {
		err = fmt.Errorf(
			"failed to peek data at 0x%x for process %d: %w",
			req.addr,
			req.pid,
			err)
	}
	return response{count: count, err: err}
}

func servePokeData(req request) response {
	count, err := syscall.PtracePokeData(req.pid, req.addr, req.data)
	if err != nil {
		err = fmt.Errorf(
			"failed to poke data at 0x%x for process %d: %w",
			req.addr,
			req.pid,
			err)
	}
	return response{count: count, err: err}
}

// serveReadMemory uses process_vm_readv rather than PTRACE_PEEKDATA for
// bulk reads. The read permission is still governed by the ptrace
// attachment.
func serveReadMemory(req request) response {
	local := make([]unix.Iovec, 1)
	if len(req.data) > 0 {
		local[0].Base = &req.data[0]
	}
	local[0].SetLen(len(req.data))
	remote := []unix.RemoteIovec{
		{
			Base: req.addr,
			Len:  len(req.data),
		},
	}

	count, err := unix.ProcessVMReadv(req.pid, local, remote, 0)
	if err != nil {
		err = fmt.Errorf(
			"failed to process_vm_readv at 0x%x from process %d: %w",
			req.addr,
			req.pid,
			err)
	}
	return response{count: count, err: err}
}

// Shutdown stops the serving goroutine without touching the process,
// for use after the tracee has already been killed and reaped.
func (t *tracer) Shutdown() {
	select {
	case <-t.closed:
		return
	default:
	}

	close(t.closed)
	close(t.requestChan)
}

func (t *tracer) Detach() error {
	_, err := t.send(request{opType: detachOp})
	return err
}

func (t *tracer) Resume(signal int) (syscall.WaitStatus, error) {
	resp, err := t.send(request{opType: resumeOp, signal: signal})
	return resp.status, err
}

func (t *tracer) SingleStep() (syscall.WaitStatus, error) {
	resp, err := t.send(request{opType: stepOp})
	return resp.status, err
}

func (t *tracer) GetRegs() (*unix.PtraceRegs, error) {
	regs := &unix.PtraceRegs{}
	_, err := t.send(request{opType: getRegsOp, regs: regs})
	if err != nil {
		return nil, err
	}
	return regs, nil
}

func (t *tracer) SetRegs(regs *unix.PtraceRegs) error {
	_, err := t.send(request{opType: setRegsOp, regs: regs})
	return err
}

func (t *tracer) PeekData(addr uintptr, data []byte) (int, error) {
	resp, err := t.send(request{opType: peekDataOp, addr: addr, data: data})
	return resp.count, err
}

func (t *tracer) PokeData(addr uintptr, data []byte) (int, error) {
	resp, err := t.send(request{opType: pokeDataOp, addr: addr, data: data})
	return resp.count, err
}

func (t *tracer) ReadMemory(addr uintptr, data []byte) (int, error) {
	resp, err := t.send(request{opType: readMemoryOp, addr: addr, data: data})
	return resp.count, err
}
