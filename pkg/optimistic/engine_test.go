// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package optimistic

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/assetpipe/pkg/assets"
	"github.com/AleutianAI/assetpipe/pkg/bundler"
	"github.com/AleutianAI/assetpipe/pkg/contentaddress"
	"github.com/AleutianAI/assetpipe/pkg/sink"
	"github.com/AleutianAI/assetpipe/pkg/sink/fs"
	"github.com/AleutianAI/assetpipe/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test doubles
// =============================================================================

// fakeBundler renders "<type>|<feed json>|<feed json>..." and counts calls.
// It fails every job when fail is set, or only jobs whose rendering
// contains failOn.
type fakeBundler struct {
	calls  atomic.Int32
	fail   error
	failOn string
	delay  time.Duration
}

func (f *fakeBundler) Bundle(ctx context.Context, feeds []assets.Feed, t assets.AssetType, _ assets.Options) ([]byte, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.fail != nil {
		return nil, &bundler.BundlingError{Type: t, FeedCount: len(feeds), Err: f.fail}
	}
	out := render(feeds, t)
	if f.failOn != "" && strings.Contains(string(out), f.failOn) {
		return nil, &bundler.BundlingError{Type: t, FeedCount: len(feeds), Err: errors.New("missing source")}
	}
	return out, nil
}

func (f *fakeBundler) Close() error { return nil }

func render(feeds []assets.Feed, t assets.AssetType) []byte {
	parts := []string{t.String()}
	for _, feed := range feeds {
		b, _ := json.Marshal(feed)
		parts = append(parts, string(b))
	}
	return []byte(strings.Join(parts, "|"))
}

type recordingMetrics struct {
	mu       sync.Mutex
	outcomes map[string]int
	fanout   []int
	publish  map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{outcomes: map[string]int{}, publish: map[string]int{}}
}

func (r *recordingMetrics) ObservePublish(op string, _ assets.AssetType, _ time.Duration, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publish[op]++
}

func (r *recordingMetrics) ObserveBundle(_ assets.AssetType, outcome string, _ time.Duration, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[outcome]++
}

func (r *recordingMetrics) ObserveFanout(_ assets.AssetType, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fanout = append(r.fanout, n)
}

type harness struct {
	engine  *Engine
	mem     *sink.Memory
	store   *storage.Storage
	bundler *fakeBundler
	metrics *recordingMetrics
}

func newHarness(t *testing.T, fallback bool) *harness {
	t.Helper()
	mem := sink.NewMemory()
	st := storage.New(mem)
	fb := &fakeBundler{}
	m := newRecordingMetrics()
	return &harness{
		engine:  New(st, fb, Config{FallbackBundles: fallback, Metrics: m}),
		mem:     mem,
		store:   st,
		bundler: fb,
		metrics: m,
	}
}

func feedOf(t *testing.T, doc string) assets.Feed {
	t.Helper()
	var f assets.Feed
	require.NoError(t, json.Unmarshal([]byte(doc), &f))
	return f
}

func (h *harness) publish(t *testing.T, tag, doc string) string {
	t.Helper()
	res, err := h.engine.PublishAssets(context.Background(), AssetsRequest{
		Tag:  tag,
		Type: assets.TypeJS,
		Data: feedOf(t, doc),
	}, assets.DefaultOptions())
	require.NoError(t, err)
	return res.ID
}

func (h *harness) instruct(t *testing.T, tag string, producers ...string) {
	t.Helper()
	err := h.engine.PublishInstructions(context.Background(), InstructionRequest{
		Tag:  tag,
		Type: assets.TypeJS,
		Data: producers,
	}, assets.DefaultOptions())
	require.NoError(t, err)
}

// bundleKeys lists stored bundle keys of type js.
func (h *harness) bundleKeys() []string {
	var out []string
	for _, k := range h.mem.Keys() {
		if strings.HasSuffix(k, ".js") && !strings.Contains(k, "/") {
			out = append(out, k)
		}
	}
	return out
}

// =============================================================================
// Worked example
// =============================================================================

func TestPublish_WorkedExample(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	feed := feedOf(t, `[{"id":"x"}]`)
	want, err := contentaddress.HashContent(feed)
	require.NoError(t, err)

	res, err := h.engine.PublishAssets(ctx, AssetsRequest{Tag: "podlet1", Type: assets.TypeJS, Data: feed}, assets.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, assets.PublishResult{ID: want, File: want + ".json"}, res)

	h.instruct(t, "layout1", "podlet1")

	bundleHash := contentaddress.HashArray([]string{want})
	content, err := h.store.GetBundle(ctx, bundleHash, assets.TypeJS)
	require.NoError(t, err)
	assert.Equal(t, string(render([]assets.Feed{feed}, assets.TypeJS)), string(content))
}

func TestPublish_StoresCanonicalFeed(t *testing.T) {
	h := newHarness(t, false)
	id := h.publish(t, "p", `[{"b":1,"a":"<x>"}]`)

	raw, err := h.store.ReadFeed(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, `[{"a":"<x>","b":1}]`, string(raw))

	tag, err := h.store.GetTag(context.Background(), "p", assets.TypeJS)
	require.NoError(t, err)
	assert.Equal(t, id, tag)
}

// =============================================================================
// Properties
// =============================================================================

func TestConvergence_OrderIndependent(t *testing.T) {
	steps := map[string]func(t *testing.T, h *harness){
		"instruction first": func(t *testing.T, h *harness) {
			h.instruct(t, "layout", "a", "b")
			h.publish(t, "a", `[{"id":"a"}]`)
			h.publish(t, "b", `[{"id":"b"}]`)
		},
		"assets first": func(t *testing.T, h *harness) {
			h.publish(t, "b", `[{"id":"b"}]`)
			h.publish(t, "a", `[{"id":"a"}]`)
			h.instruct(t, "layout", "a", "b")
		},
		"interleaved": func(t *testing.T, h *harness) {
			h.publish(t, "a", `[{"id":"a"}]`)
			h.instruct(t, "layout", "a", "b")
			h.publish(t, "b", `[{"id":"b"}]`)
		},
	}

	var results [][]string
	for name, run := range steps {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, false)
			run(t, h)
			keys := h.bundleKeys()
			require.Len(t, keys, 1)
			results = append(results, keys)
		})
	}
	for _, r := range results[1:] {
		assert.Equal(t, results[0], r)
	}
}

func TestIdempotentRepublish(t *testing.T) {
	h := newHarness(t, false)
	h.instruct(t, "layout", "a")

	id1 := h.publish(t, "a", `[{"id":"a","source":"1"}]`)
	keysBefore := len(h.mem.Keys())
	require.Equal(t, int32(1), h.bundler.calls.Load())

	id2 := h.publish(t, "a", `[{"source":"1","id":"a"}]`)
	assert.Equal(t, id1, id2, "key order does not change identity")
	assert.Equal(t, keysBefore, len(h.mem.Keys()), "no new blobs")
	assert.Equal(t, int32(1), h.bundler.calls.Load(), "no redundant build")
	assert.Equal(t, 1, h.metrics.outcomes[OutcomeExists])
}

func TestDedupAcrossConsumers(t *testing.T) {
	h := newHarness(t, false)
	h.publish(t, "a", `[{"id":"a"}]`)
	h.publish(t, "b", `[{"id":"b"}]`)

	h.instruct(t, "one", "a", "b")
	h.instruct(t, "two", "a", "b")

	assert.Len(t, h.bundleKeys(), 1)
	assert.Equal(t, int32(1), h.bundler.calls.Load())

	// Different order is a different bundle.
	h.instruct(t, "three", "b", "a")
	assert.Len(t, h.bundleKeys(), 2)
}

func TestPartialStateIsNotAnError(t *testing.T) {
	h := newHarness(t, false)
	h.publish(t, "a", `[{"id":"a"}]`)
	h.instruct(t, "layout", "a", "missing")

	assert.Empty(t, h.bundleKeys())
	assert.Zero(t, h.bundler.calls.Load())
	assert.GreaterOrEqual(t, h.metrics.outcomes[OutcomeWaiting], 1)

	hash, err := h.engine.BundleIfNeeded(context.Background(), assets.Instruction{Tag: "x", Type: assets.TypeJS}, assets.Options{})
	require.NoError(t, err)
	assert.Empty(t, hash, "empty instruction waits")
}

func TestFanout(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	h.publish(t, "A", `[{"id":"A"}]`)
	h.publish(t, "B", `[{"id":"B1"}]`)
	h.publish(t, "C", `[{"id":"C"}]`)

	h.instruct(t, "X", "A", "B")
	h.instruct(t, "Y", "B", "C")
	h.instruct(t, "Z", "A")
	require.Equal(t, int32(3), h.bundler.calls.Load())

	newB := h.publish(t, "B", `[{"id":"B2"}]`)
	assert.Equal(t, int32(5), h.bundler.calls.Load(), "X and Y rebuilt, Z untouched")

	hashA, _ := h.store.GetTag(ctx, "A", assets.TypeJS)
	hashC, _ := h.store.GetTag(ctx, "C", assets.TypeJS)
	for _, want := range [][]string{{hashA, newB}, {newB, hashC}} {
		ok, err := h.store.HasBundle(ctx, contentaddress.HashArray(want), assets.TypeJS)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Len(t, h.bundleKeys(), 5, "old bundles are retained")
	assert.Contains(t, h.metrics.fanout, 2)
}

func TestFanout_FailingConsumerDoesNotStarveSiblings(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.bundler.failOn = "broken"

	h.publish(t, "a", `[{"id":"broken"}]`)
	h.publish(t, "c", `[{"id":"c"}]`)
	for _, consumer := range []string{"a0", "a1", "a2", "a3"} {
		h.instruct(t, consumer, "a", "b")
	}
	h.instruct(t, "z", "b", "c")

	for attempt := 0; attempt < 2; attempt++ {
		_, err := h.engine.PublishAssets(ctx, AssetsRequest{
			Tag:  "b",
			Type: assets.TypeJS,
			Data: feedOf(t, `[{"id":"b"}]`),
		}, assets.DefaultOptions())
		var be *bundler.BundlingError
		require.ErrorAs(t, err, &be, "attempt %d", attempt)

		hashB, _ := h.store.GetTag(ctx, "b", assets.TypeJS)
		hashC, _ := h.store.GetTag(ctx, "c", assets.TypeJS)
		ok, err := h.store.HasBundle(ctx, contentaddress.HashArray([]string{hashB, hashC}), assets.TypeJS)
		require.NoError(t, err)
		assert.True(t, ok, "attempt %d: [b,c] is built despite the failing [a,b] consumers", attempt)
	}
}

func TestReplacedInstructionStopsFanout(t *testing.T) {
	h := newHarness(t, false)
	h.publish(t, "A", `[{"id":"A"}]`)
	h.publish(t, "B", `[{"id":"B"}]`)
	h.instruct(t, "X", "A")
	h.instruct(t, "X", "B")
	calls := h.bundler.calls.Load()

	h.publish(t, "A", `[{"id":"A2"}]`)
	assert.Equal(t, calls, h.bundler.calls.Load(), "X no longer depends on A")
}

// =============================================================================
// Options and edge cases
// =============================================================================

func TestPublish_RebundleFalse(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.instruct(t, "layout", "a")

	res, err := h.engine.PublishAssets(ctx, AssetsRequest{Tag: "a", Type: assets.TypeJS, Data: feedOf(t, `[{"id":"a"}]`)}, assets.Options{Rebundle: false})
	require.NoError(t, err)

	ok, err := h.store.HasFeed(ctx, res.ID)
	require.NoError(t, err)
	assert.True(t, ok, "feed is stored")

	tag, err := h.store.GetTag(ctx, "a", assets.TypeJS)
	require.NoError(t, err)
	assert.Empty(t, tag, "tag is not advanced")
	assert.Zero(t, h.bundler.calls.Load())
}

func TestPublish_FallbackBundle(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	id := h.publish(t, "a", `[{"id":"a"}]`)
	content, err := h.store.GetBundle(ctx, id, assets.TypeJS)
	require.NoError(t, err)
	assert.Equal(t, string(render([]assets.Feed{feedOf(t, `[{"id":"a"}]`)}, assets.TypeJS)), string(content))

	h.publish(t, "a", `[{"id":"a"}]`)
	assert.Equal(t, int32(1), h.bundler.calls.Load(), "fallback is not rebuilt")
}

func TestPublish_FallbackFailureKeepsFeed(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.bundler.fail = errors.New("syntax error")

	feed := feedOf(t, `[{"id":"a"}]`)
	_, err := h.engine.PublishAssets(ctx, AssetsRequest{Tag: "a", Type: assets.TypeJS, Data: feed}, assets.DefaultOptions())
	var be *bundler.BundlingError
	require.ErrorAs(t, err, &be)

	id, err := contentaddress.HashContent(feed)
	require.NoError(t, err)
	ok, err := h.store.HasFeed(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok, "feed is written before the fallback bundle is attempted")
	assert.Empty(t, h.bundleKeys())
}

func TestPublish_LongTagOnFilesystem(t *testing.T) {
	fsink, err := fs.New(t.TempDir())
	require.NoError(t, err)
	engine := New(storage.New(fsink), &fakeBundler{}, Config{FallbackBundles: true})
	ctx := context.Background()

	producer := strings.Repeat("é", 200)
	consumer := strings.Repeat("ü", 200)
	res, err := engine.PublishAssets(ctx, AssetsRequest{Tag: producer, Type: assets.TypeJS, Data: feedOf(t, `[{"id":"x"}]`)}, assets.DefaultOptions())
	require.NoError(t, err)

	err = engine.PublishInstructions(ctx, InstructionRequest{Tag: consumer, Type: assets.TypeJS, Data: []string{producer}}, assets.DefaultOptions())
	require.NoError(t, err)

	ok, err := engine.storage.HasBundle(ctx, contentaddress.HashArray([]string{res.ID}), assets.TypeJS)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPublish_Validation(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	tests := []struct {
		name  string
		req   AssetsRequest
		field string
	}{
		{"empty tag", AssetsRequest{Type: assets.TypeJS, Data: assets.Feed{}}, "tag"},
		{"bad type", AssetsRequest{Tag: "a", Type: "wasm", Data: assets.Feed{}}, "type"},
		{"nil data", AssetsRequest{Tag: "a", Type: assets.TypeJS}, "data"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.PublishAssets(ctx, tt.req, assets.DefaultOptions())
			var ve *assets.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
	assert.Zero(t, h.mem.Len(), "validation failures do not write")

	err := h.engine.PublishInstructions(ctx, InstructionRequest{Tag: "x", Type: assets.TypeJS, Data: []string{"a", ""}}, assets.DefaultOptions())
	var ve *assets.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Zero(t, h.mem.Len())
}

func TestPublish_EmptyFeed(t *testing.T) {
	h := newHarness(t, false)
	id := h.publish(t, "a", `[]`)
	want, err := contentaddress.HashContent("[]")
	require.NoError(t, err)
	assert.Equal(t, want, id)
}

func TestBundlingErrorDoesNotCorruptState(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.instruct(t, "layout", "a")
	h.bundler.fail = errors.New("syntax error")

	_, err := h.engine.PublishAssets(ctx, AssetsRequest{Tag: "a", Type: assets.TypeJS, Data: feedOf(t, `[{"id":"a"}]`)}, assets.DefaultOptions())
	var be *bundler.BundlingError
	require.ErrorAs(t, err, &be)
	assert.Contains(t, err.Error(), "js/layout")

	ins, err := h.store.GetInstruction(ctx, "layout", assets.TypeJS)
	require.NoError(t, err)
	require.NotNil(t, ins)
	assert.Equal(t, []string{"a"}, ins.Data)
	assert.Empty(t, h.bundleKeys())

	// Retrying after the bundler recovers converges.
	h.bundler.fail = nil
	require.NoError(t, h.engine.Rebundle(ctx, "a", assets.TypeJS, assets.DefaultOptions()))
	assert.Len(t, h.bundleKeys(), 1)
}

func TestConcurrentBuildsCollapse(t *testing.T) {
	h := newHarness(t, false)
	h.bundler.delay = 50 * time.Millisecond
	ctx := context.Background()
	h.publish(t, "a", `[{"id":"a"}]`)
	require.NoError(t, h.store.SetInstruction(ctx, "layout", assets.TypeJS, assets.Instruction{Data: []string{"a"}}))
	ins, err := h.store.GetInstruction(ctx, "layout", assets.TypeJS)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.BundleIfNeeded(ctx, *ins, assets.Options{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), h.bundler.calls.Load())
	assert.Len(t, h.bundleKeys(), 1)
}

// =============================================================================
// Explicit uploads
// =============================================================================

func TestUploadFeedAndBundleFeeds(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	a, err := h.engine.UploadFeed(ctx, assets.TypeJS, feedOf(t, `[{"id":"a"}]`), assets.Options{})
	require.NoError(t, err)
	b, err := h.engine.UploadFeed(ctx, assets.TypeJS, feedOf(t, `[{"id":"b"}]`), assets.Options{})
	require.NoError(t, err)

	file, err := h.engine.BundleFeeds(ctx, assets.TypeJS, []string{a.ID, b.ID}, assets.Options{})
	require.NoError(t, err)

	want := render([]assets.Feed{feedOf(t, `[{"id":"a"}]`), feedOf(t, `[{"id":"b"}]`)}, assets.TypeJS)
	assert.Equal(t, contentaddress.Default().HashBytes(want)+".js", file)

	tag, err := h.store.GetTag(ctx, "a", assets.TypeJS)
	require.NoError(t, err)
	assert.Empty(t, tag, "upload does not touch tags")
}

func TestBundleFeeds_Errors(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	_, err := h.engine.BundleFeeds(ctx, assets.TypeJS, nil, assets.Options{})
	var ve *assets.ValidationError
	require.ErrorAs(t, err, &ve)

	_, err = h.engine.BundleFeeds(ctx, assets.TypeJS, []string{"nope"}, assets.Options{})
	var nf *assets.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "nope.json", nf.Key)
}

func TestBlake3Engine(t *testing.T) {
	st := storage.New(sink.NewMemory())
	e := New(st, &fakeBundler{}, Config{Hasher: contentaddress.MustNew(contentaddress.BLAKE3)})

	res, err := e.PublishAssets(context.Background(), AssetsRequest{Tag: "a", Type: assets.TypeCSS, Data: assets.Feed{}}, assets.DefaultOptions())
	require.NoError(t, err)
	want, err := contentaddress.MustNew(contentaddress.BLAKE3).HashContent(assets.Feed{})
	require.NoError(t, err)
	assert.Equal(t, want, res.ID)
}
