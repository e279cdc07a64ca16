package assist

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/nexus/internal/prompt"
	"github.com/stellarlinkco/nexus/internal/store"
)

type fakeAnswerer struct {
	got    prompt.AskContext
	answer string
	err    error
}

func (f *fakeAnswerer) Answer(_ context.Context, ask prompt.AskContext) (string, error) {
	f.got = ask
	return f.answer, f.err
}

type fakeProfiles struct {
	profiles  map[string]store.Profile
	memories  map[string][]store.Memory
	profErr   error
	memoryErr error
}

func (f *fakeProfiles) Profile(_ context.Context, userID string) (store.Profile, error) {
	if f.profErr != nil {
		return store.Profile{}, f.profErr
	}
	p, ok := f.profiles[userID]
	if !ok {
		return store.Profile{}, fmt.Errorf("user %s: %w", userID, store.ErrNotFound)
	}
	return p, nil
}

func (f *fakeProfiles) Memories(_ context.Context, userID string) ([]store.Memory, error) {
	return f.memories[userID], f.memoryErr
}

type fakeRecent map[string][]string

func (f fakeRecent) Read(channelID string) []string { return f[channelID] }

func TestAsk_BuildsContext(t *testing.T) {
	engine := &fakeAnswerer{answer: "Try the training range first."}
	profiles := &fakeProfiles{
		profiles: map[string]store.Profile{"u1": {UserID: "u1", Username: "neo", TrustScore: 90}},
		memories: map[string][]store.Memory{"u1": {{Key: "main_game", Value: "apex"}}},
	}
	recent := fakeRecent{"c1": {"trin: hi", "neo: hello"}}

	a := New("Arena", engine, profiles, recent, nil)
	reply, err := a.Ask(context.Background(), Request{UserID: "u1", Username: "Neo", ChannelID: "c1", Question: "how do I aim better?"})
	require.NoError(t, err)
	assert.Equal(t, "Try the training range first.", reply)

	assert.Equal(t, "Arena", engine.got.ServerName)
	assert.Equal(t, "Neo", engine.got.Username)
	assert.Equal(t, "how do I aim better?", engine.got.Question)
	assert.Equal(t, []string{"trin: hi", "neo: hello"}, engine.got.RecentMessages)
	assert.Equal(t,
		"username=neo; trust_score=90; warnings=0; preferred_games=[]; notes=; memory=[main_game=apex]",
		engine.got.UserProfile)
}

func TestAsk_UnknownUser(t *testing.T) {
	engine := &fakeAnswerer{answer: "ok"}
	a := New("Arena", engine, &fakeProfiles{}, nil, nil)

	_, err := a.Ask(context.Background(), Request{UserID: "ghost", Question: "?"})
	require.NoError(t, err)
	assert.Equal(t, NoProfile, engine.got.UserProfile)
	assert.Empty(t, engine.got.RecentMessages)
}

func TestAsk_ProfileErrorsDoNotFail(t *testing.T) {
	engine := &fakeAnswerer{answer: "ok"}
	a := New("Arena", engine, &fakeProfiles{profErr: errors.New("db down")}, nil, nil)

	reply, err := a.Ask(context.Background(), Request{UserID: "u1", Question: "?"})
	require.NoError(t, err)
	assert.Equal(t, "ok", reply)
	assert.Equal(t, NoProfile, engine.got.UserProfile)
}

func TestAsk_MemoryErrorKeepsProfile(t *testing.T) {
	engine := &fakeAnswerer{answer: "ok"}
	profiles := &fakeProfiles{
		profiles:  map[string]store.Profile{"u1": {Username: "neo", TrustScore: 100}},
		memoryErr: errors.New("boom"),
	}
	a := New("Arena", engine, profiles, nil, nil)

	_, err := a.Ask(context.Background(), Request{UserID: "u1", Question: "?"})
	require.NoError(t, err)
	assert.Equal(t, "username=neo; trust_score=100; warnings=0; preferred_games=[]; notes=", engine.got.UserProfile)
}

func TestAsk_ProviderFailure(t *testing.T) {
	cause := errors.New("provider down")
	a := New("Arena", &fakeAnswerer{err: cause}, nil, nil, nil)

	reply, err := a.Ask(context.Background(), Request{UserID: "u1", Question: "?"})
	assert.Equal(t, FailureReply, reply)
	assert.ErrorIs(t, err, cause)
}

func TestAsk_EmptyAnswer(t *testing.T) {
	a := New("Arena", &fakeAnswerer{answer: ""}, nil, nil, nil)

	reply, err := a.Ask(context.Background(), Request{Question: "?"})
	assert.Equal(t, FailureReply, reply)
	assert.Error(t, err)
}
