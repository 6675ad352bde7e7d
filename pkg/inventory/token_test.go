package inventory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTokenHolderDeduplicatesLogin(t *testing.T) {
	var logins atomic.Int32
	holder := NewTokenHolder("", func(context.Context) (string, error) {
		logins.Add(1)
		time.Sleep(20 * time.Millisecond)
		return "tok", nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, fromLogin, err := holder.Get(context.Background())
			if err != nil || tok != "tok" || !fromLogin {
				t.Errorf("Get() = %q, %v, %v", tok, fromLogin, err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), logins.Load())
}

func TestTokenHolderInvalidateKeepsFreshToken(t *testing.T) {
	var n atomic.Int32
	holder := NewTokenHolder("", func(context.Context) (string, error) {
		if n.Add(1) == 1 {
			return "old", nil
		}
		return "new", nil
	})
	ctx := context.Background()

	old, _, err := holder.Get(ctx)
	require.NoError(t, err)
	require.True(t, holder.Invalidate(old))

	fresh, _, err := holder.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "new", fresh)

	require.False(t, holder.Invalidate(old))
	tok, _, err := holder.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "new", tok)
}

func TestStaticTokenNeverInvalidated(t *testing.T) {
	holder := NewTokenHolder("static", nil)

	tok, fromLogin, err := holder.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, "static", tok)
	require.False(t, fromLogin)
	require.False(t, holder.Invalidate("static"))
}

func TestTokenHolderLoginError(t *testing.T) {
	holder := NewTokenHolder("", func(context.Context) (string, error) { return "", errors.New("boom") })

	_, _, err := holder.Get(context.Background())
	require.Error(t, err)
}
