package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/llmgate/internal/cache"
)

func TestListModelsUsesRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cacheCfg := cache.DefaultConfig()
	cacheCfg.Addr = mr.Addr()
	manager, err := cache.NewManager(cacheCfg, nil)
	require.NoError(t, err)
	defer func() { _ = manager.Close() }()

	d := NewDispatcher(DefaultDispatchConfig(), nil, WithModelCache(manager, time.Minute))
	d.RegisterAdapter(okAdapter("p1", "m1", "m2"))

	ctx := context.Background()

	first := d.ListModels(ctx, nil)
	assert.ElementsMatch(t, []string{"m1", "m2"}, first["p1"])

	// 第二个 adapter 注册后，缓存命中仍返回旧列表，直到过期
	d.RegisterAdapter(okAdapter("p2", "m3"))
	cached := d.ListModels(ctx, nil)
	assert.Len(t, cached, 1, "cached model list is served until the TTL expires")

	mr.FastForward(2 * time.Minute)
	refreshed := d.ListModels(ctx, nil)
	assert.Len(t, refreshed, 2)
}
