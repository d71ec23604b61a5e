package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/bookstream/errs"
	"github.com/coachpo/bookstream/internal/schema"
)

func TestRegisterResolveUnregister(t *testing.T) {
	reg := New("bitfinex")
	require.NoError(t, reg.Register(5, "BTC/USD", schema.KindOrderBook))

	b, err := reg.Resolve(5)
	require.NoError(t, err)
	require.Equal(t, Binding{Symbol: "BTC/USD", Kind: schema.KindOrderBook}, b)

	id, ok := reg.Lookup("BTC/USD", schema.KindOrderBook)
	require.True(t, ok)
	require.Equal(t, int64(5), id)

	removed, ok := reg.Unregister(5)
	require.True(t, ok)
	require.Equal(t, b, removed)

	_, err = reg.Resolve(5)
	require.ErrorIs(t, err, errs.ErrUnknownChannel)
	require.True(t, errs.Warning(err))

	_, ok = reg.Unregister(5)
	require.False(t, ok, "second unregister must be a no-op")
}

func TestRegisterRejectsDuplicateChannel(t *testing.T) {
	reg := New("bitfinex")
	require.NoError(t, reg.Register(7, "BTC/USD", schema.KindOrderBook))

	err := reg.Register(7, "ETH/USD", schema.KindOrderBook)
	require.ErrorIs(t, err, errs.ErrDuplicateChannel)

	err = reg.Register(7, "BTC/USD", schema.KindTrades)
	require.ErrorIs(t, err, errs.ErrDuplicateChannel)

	b, err := reg.Resolve(7)
	require.NoError(t, err)
	require.Equal(t, schema.Symbol("BTC/USD"), b.Symbol, "original binding must survive a rejected registration")

	require.NoError(t, reg.Register(7, "BTC/USD", schema.KindOrderBook), "identical binding is accepted")
	require.Equal(t, 1, reg.Len())
}

func TestRegisterReleasesStaleChannelForSameStream(t *testing.T) {
	reg := New("bitfinex")
	require.NoError(t, reg.Register(3, "BTC/USD", schema.KindTrades))
	require.NoError(t, reg.Register(9, "BTC/USD", schema.KindTrades))

	_, err := reg.Resolve(3)
	require.ErrorIs(t, err, errs.ErrUnknownChannel)
	id, ok := reg.Lookup("BTC/USD", schema.KindTrades)
	require.True(t, ok)
	require.Equal(t, int64(9), id)
	require.Equal(t, 1, reg.Len())
}

func TestClearDropsEverything(t *testing.T) {
	reg := New("bitfinex")
	require.NoError(t, reg.Register(1, "BTC/USD", schema.KindOrderBook))
	require.NoError(t, reg.Register(2, "BTC/USD", schema.KindTrades))

	reg.Clear()

	require.Equal(t, 0, reg.Len())
	_, ok := reg.Lookup("BTC/USD", schema.KindOrderBook)
	require.False(t, ok)
	require.NoError(t, reg.Register(1, "ETH/USD", schema.KindOrderBook), "ids are reusable after clear")
}

func TestConcurrentResolveDuringRegistration(t *testing.T) {
	reg := New("bitfinex")
	var wg sync.WaitGroup
	for i := int64(1); i <= 50; i++ {
		wg.Add(2)
		go func(id int64) {
			defer wg.Done()
			_ = reg.Register(id, schema.Symbol("S"+string(rune('A'+id%26))+"/USD"), schema.KindOrderBook)
		}(i)
		go func(id int64) {
			defer wg.Done()
			_, _ = reg.Resolve(id)
		}(i)
	}
	wg.Wait()
	require.LessOrEqual(t, reg.Len(), 50)
}
