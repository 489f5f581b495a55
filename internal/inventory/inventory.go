package inventory

import (
	"context"
	"sync"

	"github.com/moby/moby/api/types/events"
	"github.com/moby/moby/api/types/swarm"
	"github.com/moby/moby/api/types/volume"
	"github.com/rs/zerolog"

	"github.com/ryanmoran/stackrun/internal/docker"
	stackevents "github.com/ryanmoran/stackrun/internal/events"
	"github.com/ryanmoran/stackrun/internal/log"
)

// Kind names one cached list.
type Kind string

const (
	KindConfig Kind = "config"
	KindSecret Kind = "secret"
	KindVolume Kind = "volume"
)

// Kinds are the lists an Inventory keeps.
var Kinds = []Kind{KindConfig, KindSecret, KindVolume}

// Engine lists the objects an Inventory caches. docker.Client implements it.
type Engine interface {
	ConfigList(ctx context.Context, filters docker.Filters) ([]swarm.Config, error)
	SecretList(ctx context.Context, filters docker.Filters) ([]swarm.Secret, error)
	VolumeList(ctx context.Context, filters docker.Filters) ([]volume.Volume, error)
}

// Subscriber delivers engine events. events.Monitor implements it.
type Subscriber interface {
	Subscribe(ctx context.Context, filter stackevents.Filter, onEvent func(events.Message)) error
}

// list is one cached result. generation counts clears so a list fetched
// before a clear is never stored after it.
type list[T any] struct {
	items      []T
	loaded     bool
	generation uint64
}

func (l *list[T]) clear() {
	*l = list[T]{generation: l.generation + 1}
}

type Inventory struct {
	engine    Engine
	namespace string
	log       zerolog.Logger

	mu      sync.Mutex
	configs list[swarm.Config]
	secrets list[swarm.Secret]
	volumes list[volume.Volume]
}

// New returns an empty Inventory. A non-empty namespace restricts every list
// to objects labelled with it.
func New(engine Engine, namespace string) *Inventory {
	return &Inventory{
		engine:    engine,
		namespace: namespace,
		log:       log.WithComponent("inventory"),
	}
}

func (i *Inventory) Configs(ctx context.Context) ([]swarm.Config, error) {
	return load(ctx, i, &i.configs, KindConfig, i.engine.ConfigList)
}

func (i *Inventory) Secrets(ctx context.Context) ([]swarm.Secret, error) {
	return load(ctx, i, &i.secrets, KindSecret, i.engine.SecretList)
}

func (i *Inventory) Volumes(ctx context.Context) ([]volume.Volume, error) {
	return load(ctx, i, &i.volumes, KindVolume, i.engine.VolumeList)
}

// ConfigID returns the id of the config named name.
func (i *Inventory) ConfigID(ctx context.Context, name string) (string, bool, error) {
	configs, err := i.Configs(ctx)
	if err != nil {
		return "", false, err
	}
	for _, config := range configs {
		if config.Spec.Name == name {
			return config.ID, true, nil
		}
	}
	return "", false, nil
}

// SecretID returns the id of the secret named name.
func (i *Inventory) SecretID(ctx context.Context, name string) (string, bool, error) {
	secrets, err := i.Secrets(ctx)
	if err != nil {
		return "", false, err
	}
	for _, secret := range secrets {
		if secret.Spec.Name == name {
			return secret.ID, true, nil
		}
	}
	return "", false, nil
}

func (i *Inventory) Volume(ctx context.Context, name string) (volume.Volume, bool, error) {
	volumes, err := i.Volumes(ctx)
	if err != nil {
		return volume.Volume{}, false, err
	}
	for _, v := range volumes {
		if v.Name == name {
			return v, true, nil
		}
	}
	return volume.Volume{}, false, nil
}

// Clear drops the cached list of kind.
func (i *Inventory) Clear(kind Kind) {
	i.mu.Lock()
	defer i.mu.Unlock()

	switch kind {
	case KindConfig:
		i.configs.clear()
	case KindSecret:
		i.secrets.clear()
	case KindVolume:
		i.volumes.clear()
	}
}

// ClearAll drops every cached list.
func (i *Inventory) ClearAll() {
	for _, kind := range Kinds {
		i.Clear(kind)
	}
}

// Loaded reports whether the list of kind is cached.
func (i *Inventory) Loaded(kind Kind) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	switch kind {
	case KindConfig:
		return i.configs.loaded
	case KindSecret:
		return i.secrets.loaded
	case KindVolume:
		return i.volumes.loaded
	}
	return false
}

// Invalidate clears the list matching the event's type. Other events are
// ignored.
func (i *Inventory) Invalidate(message events.Message) {
	kind, ok := kindOf(message.Type)
	if !ok {
		return
	}
	i.log.Debug().Str("kind", string(kind)).Str("action", string(message.Action)).Msg("invalidating")
	i.Clear(kind)
}

// Watch keeps the inventory fresh from the event feed until ctx is done.
func (i *Inventory) Watch(ctx context.Context, subscriber Subscriber) error {
	filter := stackevents.Filter{
		Types: []events.Type{events.ConfigEventType, events.SecretEventType, events.VolumeEventType},
	}
	if i.namespace != "" {
		filter.Labels = []string{docker.NamespaceLabel + "=" + i.namespace}
	}
	return subscriber.Subscribe(ctx, filter, i.Invalidate)
}

func kindOf(t events.Type) (Kind, bool) {
	switch t {
	case events.ConfigEventType:
		return KindConfig, true
	case events.SecretEventType:
		return KindSecret, true
	case events.VolumeEventType:
		return KindVolume, true
	}
	return "", false
}

// load returns the cached list, listing through fetch on a miss. The lock
// is not held while listing; a Clear during the list wins.
func load[T any](ctx context.Context, i *Inventory, cached *list[T], kind Kind, fetch func(context.Context, docker.Filters) ([]T, error)) ([]T, error) {
	i.mu.Lock()
	if cached.loaded {
		items := cached.items
		i.mu.Unlock()
		return items, nil
	}
	generation := cached.generation
	i.mu.Unlock()

	items, err := fetch(ctx, docker.NewFilters().Namespace(i.namespace))
	if err != nil {
		return nil, err
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if generation == cached.generation && !cached.loaded {
		cached.items = items
		cached.loaded = true
	}
	i.log.Debug().Str("kind", string(kind)).Int("count", len(items)).Msg("loaded")
	return items, nil
}
