package cache

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap/zaptest"

	"github.com/hindsight-io/hindsight/internal/event"
	"github.com/hindsight-io/hindsight/internal/warehouse/mock"
)

func TestWarmer_MergesAndWarms(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := New(NewL1(100, time.Minute), nil, zaptest.NewLogger(t))
	q := mock.NewMockQuerier(ctrl)

	// Generate access frequency for two hot customers.
	for i := 0; i < 5; i++ {
		c.Get(context.Background(), "hot_a")
	}
	c.Get(context.Background(), "hot_b")

	q.EXPECT().
		GetActiveCustomers(gomock.Any(), warmActiveWindow, warmTopK).
		Return([]string{"active_1", "hot_a"}, nil)
	q.EXPECT().
		GetContextBulk(gomock.Any(), []string{"hot_a", "hot_b", "active_1"}).
		Return([]event.ContextRecord{
			*rec("hot_a"), *rec("hot_b"), *rec("active_1"),
		}, nil)

	w := NewWarmer(c, q, zaptest.NewLogger(t))
	w.RunOnce(context.Background())

	for _, cust := range []string{"hot_a", "hot_b", "active_1"} {
		got, ok := c.Get(context.Background(), cust)
		require.True(t, ok, cust)
		assert.Equal(t, cust, got.Customer)
	}
}

func TestWarmer_BatchesByTen(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := New(NewL1(100, time.Minute), nil, zaptest.NewLogger(t))
	q := mock.NewMockQuerier(ctrl)

	var active []string
	for i := 0; i < 25; i++ {
		active = append(active, fmt.Sprintf("cust_%02d", i))
	}
	q.EXPECT().GetActiveCustomers(gomock.Any(), gomock.Any(), gomock.Any()).Return(active, nil)

	batches := 0
	q.EXPECT().
		GetContextBulk(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, customers []string) ([]event.ContextRecord, error) {
			batches++
			assert.LessOrEqual(t, len(customers), warmBatchSize)
			out := make([]event.ContextRecord, 0, len(customers))
			for _, cust := range customers {
				out = append(out, *rec(cust))
			}
			return out, nil
		}).
		Times(3)

	w := NewWarmer(c, q, zaptest.NewLogger(t))
	w.RunOnce(context.Background())
	assert.Equal(t, 3, batches)
}

func TestWarmer_FailedBatchDoesNotAbortCycle(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := New(NewL1(100, time.Minute), nil, zaptest.NewLogger(t))
	q := mock.NewMockQuerier(ctrl)

	var active []string
	for i := 0; i < 12; i++ {
		active = append(active, fmt.Sprintf("cust_%02d", i))
	}
	q.EXPECT().GetActiveCustomers(gomock.Any(), gomock.Any(), gomock.Any()).Return(active, nil)

	first := q.EXPECT().
		GetContextBulk(gomock.Any(), gomock.Any()).
		Return(nil, errors.New("warehouse hiccup"))
	q.EXPECT().
		GetContextBulk(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, customers []string) ([]event.ContextRecord, error) {
			out := make([]event.ContextRecord, 0, len(customers))
			for _, cust := range customers {
				out = append(out, *rec(cust))
			}
			return out, nil
		}).
		After(first)

	w := NewWarmer(c, q, zaptest.NewLogger(t))
	w.RunOnce(context.Background())

	// The second batch still landed.
	got, ok := c.Get(context.Background(), "cust_10")
	require.True(t, ok)
	assert.Equal(t, "cust_10", got.Customer)
}

func TestWarmer_CyclesNeverOverlap(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := New(NewL1(100, time.Minute), nil, zaptest.NewLogger(t))
	q := mock.NewMockQuerier(ctrl)

	started := make(chan struct{})
	release := make(chan struct{})
	q.EXPECT().
		GetActiveCustomers(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, int, int) ([]string, error) {
			close(started)
			<-release
			return nil, nil
		})

	w := NewWarmer(c, q, zaptest.NewLogger(t))
	go w.RunOnce(context.Background())
	<-started

	// A second cycle while the first is in flight is dropped, so the
	// mock's single expectation is not violated.
	w.RunOnce(context.Background())
	close(release)

	require.Eventually(t, func() bool { return !w.running.Load() }, time.Second, 5*time.Millisecond)
}
