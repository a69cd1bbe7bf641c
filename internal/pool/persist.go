package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"sync"

	"github.com/natefinch/atomic"

	"github.com/koltyakov/distproxy/internal/domain"
)

// persister writes snapshots one at a time. A request that arrives while a
// write is in flight only raises a flag; the running writer then performs
// exactly one more write with whatever the state is at that moment.
type persister struct {
	path      string
	marshal   func() ([]byte, error)
	writeFile func(path string, data []byte) error
	onPersist func(error)
	log       *slog.Logger

	mu             sync.Mutex
	dumping        bool
	requestedAgain bool
	idle           chan struct{}
}

func newPersister(path string, marshal func() ([]byte, error), writeFile func(string, []byte) error, onPersist func(error), log *slog.Logger) *persister {
	if writeFile == nil {
		writeFile = writeAtomic
	}
	idle := make(chan struct{})
	close(idle)
	return &persister{
		path:      path,
		marshal:   marshal,
		writeFile: writeFile,
		onPersist: onPersist,
		log:       log,
		idle:      idle,
	}
}

// request triggers a write without waiting for it.
func (p *persister) request() {
	p.mu.Lock()
	if p.dumping {
		p.requestedAgain = true
		p.mu.Unlock()
		return
	}
	p.dumping = true
	p.idle = make(chan struct{})
	p.mu.Unlock()

	go p.run()
}

func (p *persister) run() {
	for {
		p.dump()

		p.mu.Lock()
		if !p.requestedAgain {
			p.dumping = false
			close(p.idle)
			p.mu.Unlock()
			return
		}
		p.requestedAgain = false
		p.mu.Unlock()
	}
}

func (p *persister) dump() {
	data, err := p.marshal()
	if err == nil {
		err = p.writeFile(p.path, data)
	}
	if err != nil {
		p.log.Error("pool snapshot write failed", "path", p.path, "err", err)
	}
	if p.onPersist != nil {
		p.onPersist(err)
	}
}

func (p *persister) wait(ctx context.Context) error {
	p.mu.Lock()
	idle := p.idle
	p.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func writeAtomic(path string, data []byte) error {
	return atomic.WriteFile(path, bytes.NewReader(data))
}

func encodeSnapshot(pools domain.TransportPools) ([]byte, error) {
	for _, t := range domain.Transports {
		if pools[t] == nil {
			pools[t] = []domain.ProxyEntry{}
		}
	}
	return json.Marshal(pools)
}

// loadSnapshot reads a snapshot file. A missing file is not an error.
func loadSnapshot(path string) (domain.TransportPools, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var pools domain.TransportPools
	if err := json.Unmarshal(raw, &pools); err != nil {
		return nil, err
	}
	out := make(domain.TransportPools, len(domain.Transports))
	for _, t := range domain.Transports {
		out[t] = pools[t]
	}
	return out, nil
}
