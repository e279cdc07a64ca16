package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/stellarlinkco/nexus/internal/config"
)

type ChannelManager struct {
	channels map[string]Adapter
	logger   *slog.Logger
}

func NewChannelManager(cfg config.ChannelsConfig, deps Deps) (*ChannelManager, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &ChannelManager{
		channels: make(map[string]Adapter),
		logger:   logger.With("component", "channel-mgr"),
	}

	if cfg.Discord.Enabled {
		ch, err := NewDiscordChannel(cfg.Discord, deps)
		if err != nil {
			return nil, fmt.Errorf("init discord channel: %w", err)
		}
		m.channels[ch.Name()] = ch
	}

	if cfg.Telegram.Enabled {
		ch, err := NewTelegramChannel(cfg.Telegram, deps)
		if err != nil {
			return nil, fmt.Errorf("init telegram channel: %w", err)
		}
		m.channels[ch.Name()] = ch
	}

	return m, nil
}

// Adapter returns the enabled adapter with the given name.
func (m *ChannelManager) Adapter(name string) (Adapter, bool) {
	a, ok := m.channels[name]
	return a, ok
}

func (m *ChannelManager) StartAll(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(m.channels))

	for name, ch := range m.channels {
		wg.Add(1)
		go func(name string, ch Channel) {
			defer wg.Done()
			m.logger.Info("channel.starting", "channel", name)
			if err := ch.Start(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}(name, ch)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		return err
	}
	return nil
}

// StopAll stops every adapter. Failures are logged, not returned.
func (m *ChannelManager) StopAll() error {
	for name, ch := range m.channels {
		m.logger.Info("channel.stopping", "channel", name)
		if err := ch.Stop(); err != nil {
			m.logger.Warn("channel.stop_failed", "channel", name, "err", err)
		}
	}
	return nil
}

func (m *ChannelManager) EnabledChannels() []string {
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
