// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tlscache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetOrCreateCachesFactoryResult(t *testing.T) {
	c := New(10)
	calls := 0
	factory := func() (any, time.Time, error) {
		calls++
		return "value", time.Now().Add(time.Hour), nil
	}

	v1, err := c.GetOrCreate("k", factory)
	require.NoError(t, err)
	v2, err := c.GetOrCreate("k", factory)
	require.NoError(t, err)

	require.Equal(t, "value", v1)
	require.Equal(t, "value", v2)
	require.Equal(t, 1, calls)
}

func TestGetOrCreateRecreatesAfterExpiry(t *testing.T) {
	c := New(10)
	calls := 0
	factory := func() (any, time.Time, error) {
		calls++
		return calls, time.Now().Add(time.Millisecond), nil
	}

	_, err := c.GetOrCreate("k", factory)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	v2, err := c.GetOrCreate("k", factory)
	require.NoError(t, err)

	require.Equal(t, 2, v2)
	require.Equal(t, 2, calls)
}

func TestGetOrCreateEvictsOldestBeyondMaxSize(t *testing.T) {
	c := New(2)
	factory := func(i int) Factory {
		return func() (any, time.Time, error) {
			return i, time.Now().Add(time.Hour), nil
		}
	}

	_, err := c.GetOrCreate("a", factory(1))
	require.NoError(t, err)
	_, err = c.GetOrCreate("b", factory(2))
	require.NoError(t, err)
	_, err = c.GetOrCreate("c", factory(3))
	require.NoError(t, err)

	require.LessOrEqual(t, c.Len(), 2)
	_, ok := c.entries["a"]
	require.False(t, ok, "oldest entry should have been evicted")
}

func TestGetOrCreateExpiryCappedAtMaxTTL(t *testing.T) {
	c := New(10)
	farFuture := time.Now().Add(365 * 24 * time.Hour)
	_, err := c.GetOrCreate("k", func() (any, time.Time, error) {
		return "v", farFuture, nil
	})
	require.NoError(t, err)

	e := c.entries["k"]
	require.True(t, e.expiry.Before(farFuture))
	require.WithinDuration(t, time.Now().Add(MaxContextTTL), e.expiry, time.Second)
}

func TestGetOrCreatePropagatesFactoryError(t *testing.T) {
	c := New(10)
	_, err := c.GetOrCreate("k", func() (any, time.Time, error) {
		return nil, time.Time{}, fmt.Errorf("boom")
	})
	require.Error(t, err)
	require.Zero(t, c.Len())
}
