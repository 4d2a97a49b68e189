package providertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/openuds/engine/pkg/provider"
	"github.com/openuds/engine/pkg/serializer"
	"github.com/openuds/engine/pkg/types"
)

// Fake is an in-memory provider driver for tests. Deploys are
// asynchronous like real drivers: they complete after DeployTicks
// CheckState polls. Machines live in an in-memory map keyed by vmid.
type Fake struct {
	Name string

	mu           sync.Mutex
	available    bool
	createLimit  int
	removalLimit int
	deployTicks  int
	failNext     error
	seq          int
	running      map[string]bool
	stopped      map[string]bool

	// call counters, readable by tests
	Stops   int
	Deletes int
}

// NewFake returns a fake driver with instant-ish deploys (one poll).
func NewFake() *Fake {
	return &Fake{
		Name:         "fake",
		available:    true,
		createLimit:  10,
		removalLimit: 10,
		deployTicks:  1,
		running:      make(map[string]bool),
		stopped:      make(map[string]bool),
	}
}

// SetDeployTicks sets how many CheckState polls a deploy takes.
func (f *Fake) SetDeployTicks(n int) {
	f.mu.Lock()
	f.deployTicks = n
	f.mu.Unlock()
}

// SetAvailable toggles the platform reachability.
func (f *Fake) SetAvailable(ok bool) {
	f.mu.Lock()
	f.available = ok
	f.mu.Unlock()
}

// SetLimits overrides the concurrency limits.
func (f *Fake) SetLimits(create, removal int) {
	f.mu.Lock()
	f.createLimit = create
	f.removalLimit = removal
	f.mu.Unlock()
}

// FailNext makes the next operation return err once.
func (f *Fake) FailNext(err error) {
	f.mu.Lock()
	f.failNext = err
	f.mu.Unlock()
}

func (f *Fake) takeFailure() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := f.failNext
	f.failNext = nil
	return err
}

// Machines returns the vmids currently known to the platform.
func (f *Fake) Machines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.running))
	for id := range f.running {
		ids = append(ids, id)
	}
	return ids
}

// AddMachine registers a pre-existing machine, powered on or off.
func (f *Fake) AddMachine(vmid string, poweredOn bool) {
	f.mu.Lock()
	f.running[vmid] = poweredOn
	f.mu.Unlock()
}

func (f *Fake) TypeName() string { return f.Name }

func (f *Fake) IsAvailable(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available
}

func (f *Fake) TestConnection(ctx context.Context) error {
	if !f.IsAvailable(ctx) {
		return types.Retryable(fmt.Errorf("platform unreachable"))
	}
	return nil
}

func (f *Fake) ConcurrentCreationLimit() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createLimit
}

func (f *Fake) ConcurrentRemovalLimit() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removalLimit
}

func (f *Fake) Instance(svc *types.Service, us *types.UserService) (provider.Instance, error) {
	inst := &fakeInstance{drv: f}
	if len(us.Data) > 0 {
		if err := inst.Unmarshal(us.Data); err != nil {
			return nil, err
		}
	}
	return inst, nil
}

func (f *Fake) IsRunning(ctx context.Context, vmid string) (bool, error) {
	if err := f.takeFailure(); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	on, exists := f.running[vmid]
	if !exists {
		return false, types.NotFound("machine", vmid)
	}
	return on, nil
}

func (f *Fake) StopMachine(ctx context.Context, vmid string) error {
	if err := f.takeFailure(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.running[vmid]; !exists {
		return types.NotFound("machine", vmid)
	}
	f.Stops++
	f.running[vmid] = false
	return nil
}

func (f *Fake) DeleteMachine(ctx context.Context, vmid string) error {
	if err := f.takeFailure(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.running[vmid]; !exists {
		return types.NotFound("machine", vmid)
	}
	f.Deletes++
	delete(f.running, vmid)
	return nil
}

// fakeInstance persists its state through the standard payload codec so
// tests exercise the same marshal path real drivers use.
type fakeInstance struct {
	drv *Fake

	vmid      string
	name      string
	ip        string
	remaining int
	op        string
	reason    string
}

var codec = mustCodec()

func mustCodec() *serializer.Codec {
	c, err := serializer.NewCodec(nil, true, false)
	if err != nil {
		panic(err)
	}
	return c
}

func (i *fakeInstance) startDeploy(label string) (types.TaskState, error) {
	if err := i.drv.takeFailure(); err != nil {
		return types.TaskError, err
	}
	i.drv.mu.Lock()
	i.drv.seq++
	i.vmid = fmt.Sprintf("vm-%04d", i.drv.seq)
	i.name = label + "-" + i.vmid
	i.ip = fmt.Sprintf("10.0.0.%d", i.drv.seq%250+1)
	i.remaining = i.drv.deployTicks
	i.drv.running[i.vmid] = true
	i.drv.mu.Unlock()
	i.op = "deploy"
	if i.remaining <= 0 {
		i.op = ""
		return types.TaskFinished, nil
	}
	return types.TaskRunning, nil
}

func (i *fakeInstance) DeployForUser(ctx context.Context, user *types.User) (types.TaskState, error) {
	return i.startDeploy("usr")
}

func (i *fakeInstance) DeployForCache(ctx context.Context, level int) (types.TaskState, error) {
	return i.startDeploy(fmt.Sprintf("l%d", level))
}

func (i *fakeInstance) CheckState(ctx context.Context) (types.TaskState, error) {
	if err := i.drv.takeFailure(); err != nil {
		return types.TaskError, err
	}
	if i.op == "" {
		return types.TaskFinished, nil
	}
	i.remaining--
	if i.remaining > 0 {
		return types.TaskRunning, nil
	}
	switch i.op {
	case "deploy", "cancel":
	case "destroy":
		i.drv.mu.Lock()
		delete(i.drv.running, i.vmid)
		i.drv.mu.Unlock()
	}
	i.op = ""
	return types.TaskFinished, nil
}

func (i *fakeInstance) Cancel(ctx context.Context) (types.TaskState, error) {
	if err := i.drv.takeFailure(); err != nil {
		return types.TaskError, err
	}
	i.drv.mu.Lock()
	delete(i.drv.running, i.vmid)
	i.drv.mu.Unlock()
	i.op = ""
	return types.TaskFinished, nil
}

func (i *fakeInstance) Destroy(ctx context.Context) (types.TaskState, error) {
	if err := i.drv.takeFailure(); err != nil {
		return types.TaskError, err
	}
	i.drv.mu.Lock()
	ticks := i.drv.deployTicks
	i.drv.mu.Unlock()
	if ticks <= 1 {
		i.drv.mu.Lock()
		delete(i.drv.running, i.vmid)
		i.drv.mu.Unlock()
		return types.TaskFinished, nil
	}
	i.op = "destroy"
	i.remaining = ticks
	return types.TaskRunning, nil
}

func (i *fakeInstance) SetReady(ctx context.Context) (types.TaskState, error) {
	i.drv.mu.Lock()
	defer i.drv.mu.Unlock()
	if _, exists := i.drv.running[i.vmid]; !exists {
		return types.TaskError, types.NotFound("machine", i.vmid)
	}
	i.drv.running[i.vmid] = true
	return types.TaskFinished, nil
}

func (i *fakeInstance) UserLoggedIn(ctx context.Context, username string) error  { return nil }
func (i *fakeInstance) UserLoggedOut(ctx context.Context, username string) error { return nil }

func (i *fakeInstance) ErrorReason() string { return i.reason }
func (i *fakeInstance) IP() string          { return i.ip }
func (i *fakeInstance) UniqueID() string    { return i.vmid }
func (i *fakeInstance) Name() string        { return i.name }

func (i *fakeInstance) Marshal() ([]byte, error) {
	return codec.Marshal(serializer.Map{
		"vmid":      serializer.Str(i.vmid),
		"name":      serializer.Str(i.name),
		"ip":        serializer.Str(i.ip),
		"remaining": serializer.Int(int64(i.remaining)),
		"op":        serializer.Str(i.op),
	})
}

func (i *fakeInstance) Unmarshal(data []byte) error {
	m, err := codec.Unmarshal(data)
	if err != nil {
		return err
	}
	i.vmid = m.StrValue("vmid")
	i.name = m.StrValue("name")
	i.ip = m.StrValue("ip")
	i.remaining = int(m.IntValue("remaining"))
	i.op = m.StrValue("op")
	return nil
}
