package renderer

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

type CommandCall struct {
	Name  string
	Args  []string
	Stdin []byte
}

// FakeRunner answers scripted commands without starting processes.
type FakeRunner struct {
	mu    sync.Mutex
	calls []CommandCall
	stubs map[string]fakeStub
}

type fakeStub struct {
	output []byte
	err    error
	block  bool
}

func NewFakeRunner() *FakeRunner {
	return &FakeRunner{
		stubs: make(map[string]fakeStub),
	}
}

func (f *FakeRunner) Script(name string, args []string, output []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stubs[stubKey(name, args)] = fakeStub{output: output}
}

func (f *FakeRunner) ScriptError(name string, args []string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stubs[stubKey(name, args)] = fakeStub{err: err}
}

// ScriptHang makes the command run until its context ends.
func (f *FakeRunner) ScriptHang(name string, args []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stubs[stubKey(name, args)] = fakeStub{block: true}
}

func (f *FakeRunner) Run(ctx context.Context, name string, args []string, stdin []byte) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, CommandCall{Name: name, Args: append([]string(nil), args...), Stdin: append([]byte(nil), stdin...)})
	stub, ok := f.stubs[stubKey(name, args)]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("missing stub for command %s %s", name, strings.Join(args, " "))
	}
	if stub.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return stub.output, stub.err
}

func (f *FakeRunner) Calls() []CommandCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CommandCall(nil), f.calls...)
}

func stubKey(name string, args []string) string {
	return fmt.Sprintf("%s\x00%s", name, strings.Join(args, "\x00"))
}
