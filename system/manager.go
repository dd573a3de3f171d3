package system

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	ddotel "gopkg.in/DataDog/dd-trace-go.v1/ddtrace/opentelemetry"
	ddtracer "gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"

	"pkg.world.dev/world-engine/kit/statsd"
)

const noActiveSystemName = ""

var (
	ErrUnknownLabel = eris.New("unknown schedule label")
	ErrLabelExists  = eris.New("schedule label already exists")
	ErrUnknownSet   = eris.New("unknown system set")
)

// Set groups systems of the Update phase. Sets run in the order they were first used.
type Set string

// systemType is an internal entry used to track registered systems.
type systemType struct {
	Name string
	Fn   System
}

// group is a run unit of a phase: either loose systems or a named set.
type group struct {
	set      Set
	parallel bool
	systems  []systemType
}

type phase struct {
	label  Label
	groups []*group
}

// Manager owns the ordered phases of a tick and the systems registered in each of them.
type Manager struct {
	phases []*phase
	names  map[string]int

	mu            sync.Mutex
	currentSystem string

	tracer trace.Tracer
}

// NewManager returns a manager with the main phases: First, PreUpdate, Update, PostUpdate and Last.
func NewManager() *Manager {
	m := &Manager{
		names:         make(map[string]int),
		currentSystem: noActiveSystemName,
		tracer:        otel.Tracer("system"),
	}
	for _, label := range mainOrder() {
		m.phases = append(m.phases, &phase{label: label})
	}
	return m
}

func (m *Manager) phaseIndex(label Label) int {
	return slices.IndexFunc(m.phases, func(p *phase) bool { return p.label == label })
}

// AddScheduleAfter inserts a new, empty phase directly after an existing one.
func (m *Manager) AddScheduleAfter(label, after Label) error {
	if m.phaseIndex(label) >= 0 {
		return eris.Wrapf(ErrLabelExists, "label %q", label)
	}
	i := m.phaseIndex(after)
	if i < 0 {
		return eris.Wrapf(ErrUnknownLabel, "cannot insert %q after %q", label, after)
	}
	m.phases = slices.Insert(m.phases, i+1, &phase{label: label})
	return nil
}

func (m *Manager) HasLabel(label Label) bool {
	return m.phaseIndex(label) >= 0
}

// Labels returns the phases in run order.
func (m *Manager) Labels() []Label {
	labels := make([]Label, len(m.phases))
	for i, p := range m.phases {
		labels[i] = p.label
	}
	return labels
}

// AddSystems appends systems to a phase. Within a phase, systems run in the order they were added.
func (m *Manager) AddSystems(label Label, systems ...System) error {
	i := m.phaseIndex(label)
	if i < 0 {
		return eris.Wrapf(ErrUnknownLabel, "label %q", label)
	}
	p := m.phases[i]
	var g *group
	if n := len(p.groups); n > 0 && p.groups[n-1].set == "" {
		g = p.groups[n-1]
	} else {
		g = &group{}
		p.groups = append(p.groups, g)
	}
	g.systems = append(g.systems, m.named(systems)...)
	return nil
}

// AddSystemsToSet appends systems to a named set of the Update phase, creating the set if needed.
func (m *Manager) AddSystemsToSet(set Set, systems ...System) error {
	g, err := m.setGroup(set, true)
	if err != nil {
		return err
	}
	g.systems = append(g.systems, m.named(systems)...)
	return nil
}

// SetParallel makes the systems of a set run concurrently. Systems of a parallel set must not write to
// the same components or resources.
func (m *Manager) SetParallel(set Set) error {
	g, err := m.setGroup(set, false)
	if err != nil {
		return err
	}
	g.parallel = true
	return nil
}

func (m *Manager) setGroup(set Set, create bool) (*group, error) {
	i := m.phaseIndex(Update)
	if i < 0 {
		return nil, eris.Wrapf(ErrUnknownLabel, "label %q", Update)
	}
	p := m.phases[i]
	for _, g := range p.groups {
		if g.set == set {
			return g, nil
		}
	}
	if !create {
		return nil, eris.Wrapf(ErrUnknownSet, "set %q", set)
	}
	g := &group{set: set}
	p.groups = append(p.groups, g)
	return g, nil
}

// named derives a system name from the function name. Generic systems share a function name, so repeats get
// a numeric suffix.
func (m *Manager) named(systems []System) []systemType {
	out := make([]systemType, 0, len(systems))
	for _, fn := range systems {
		name := filepath.Base(runtime.FuncForPC(reflect.ValueOf(fn).Pointer()).Name())
		m.names[name]++
		if n := m.names[name]; n > 1 {
			name = fmt.Sprintf("%s#%d", name, n)
		}
		out = append(out, systemType{Name: name, Fn: fn})
	}
	return out
}

// SystemNames returns the names of all registered systems in run order.
func (m *Manager) SystemNames() []string {
	var names []string
	for _, p := range m.phases {
		for _, g := range p.groups {
			for _, sys := range g.systems {
				names = append(names, sys.Name)
			}
		}
	}
	return names
}

// CurrentSystem returns the name of the most recently started system, or an empty string between ticks.
func (m *Manager) CurrentSystem() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentSystem
}

func (m *Manager) setCurrent(name string) {
	m.mu.Lock()
	m.currentSystem = name
	m.mu.Unlock()
}

// Run executes every phase once, in order. The first system error aborts the tick.
func (m *Manager) Run(ctx context.Context, sCtx Context) error {
	ctx, span := m.tracer.Start(ddotel.ContextWithStartOptions(ctx, ddtracer.Measured()), "system.run")
	defer span.End()
	defer m.setCurrent(noActiveSystemName)

	start := time.Now()
	for _, p := range m.phases {
		phaseStart := time.Now()
		for _, g := range p.groups {
			var err error
			if g.parallel {
				err = m.runParallel(ctx, sCtx, p.label, g)
			} else {
				for _, sys := range g.systems {
					if err = m.runSystem(ctx, sCtx, p.label, sys); err != nil {
						break
					}
				}
			}
			if err != nil {
				span.SetStatus(codes.Error, eris.ToString(err, true))
				span.RecordError(err)
				return err
			}
		}
		statsd.EmitTickStat(phaseStart, "phase."+p.label.String())
	}
	statsd.EmitTickStat(start, "all_systems")
	return nil
}

func (m *Manager) runParallel(ctx context.Context, sCtx Context, label Label, g *group) error {
	eg, egCtx := errgroup.WithContext(ctx)
	for _, sys := range g.systems {
		eg.Go(func() error {
			return m.runSystem(egCtx, sCtx, label, sys)
		})
	}
	return eg.Wait()
}

func (m *Manager) runSystem(ctx context.Context, sCtx Context, label Label, sys systemType) error {
	m.setCurrent(sys.Name)

	logger := sCtx.Logger().With().Str("system", sys.Name).Str("phase", label.String()).Logger()
	sysCtx := sCtx.WithLogger(logger)

	_, span := m.tracer.Start(ddotel.ContextWithStartOptions(ctx, ddtracer.Measured()), "system.run."+sys.Name)
	defer span.End()

	start := time.Now()
	if err := sys.Fn(sysCtx); err != nil {
		span.SetStatus(codes.Error, eris.ToString(err, true))
		span.RecordError(err)
		return eris.Wrapf(err, "system %s in %s generated an error", sys.Name, label)
	}
	statsd.EmitTickStat(start, "system."+sys.Name)
	return nil
}
