package roomsvc_test

import (
	"context"
	"testing"
	"time"

	"github.com/dukepan/roomsync/internal/obslog"
	"github.com/dukepan/roomsync/internal/teststore"
	"github.com/dukepan/roomsync/room"
	"github.com/dukepan/roomsync/roommanager"
	"github.com/dukepan/roomsync/roomsvc"
)

func TestCreateRoom_ForcesEnablePublish(t *testing.T) {
	store := teststore.New()
	mgr := roommanager.New("room", store, obslog.New("error"), nil, time.Minute, time.Minute)
	svc := roomsvc.New(mgr)
	ctx := context.Background()

	r, err := svc.CreateRoom(ctx, "lobby", room.Options{EnableFullData: true, EnablePublish: false})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	st, err := r.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.EnablePublish {
		t.Errorf("CreateRoom did not force EnablePublish=true")
	}
}

func TestGetRoom_ForwardsOptsUnchanged(t *testing.T) {
	store := teststore.New()
	mgr := roommanager.New("room", store, obslog.New("error"), nil, time.Minute, time.Minute)
	svc := roomsvc.New(mgr)
	ctx := context.Background()

	r, err := svc.GetRoom(ctx, "lobby", room.Options{EnableFullData: true})
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}

	st, err := r.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.EnablePublish {
		t.Errorf("GetRoom should not force EnablePublish")
	}
}

func TestNormalizeUserID(t *testing.T) {
	cases := []struct {
		in   interface{}
		want string
	}{
		{"abc", "abc"},
		{42, "42"},
		{int64(7), "7"},
		{float64(9), "9"},
	}
	for _, c := range cases {
		if got := roomsvc.NormalizeUserID(c.in); got != c.want {
			t.Errorf("NormalizeUserID(%#v) = %q, want %q", c.in, got, c.want)
		}
	}
}
