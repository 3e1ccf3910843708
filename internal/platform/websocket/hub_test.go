package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinisist/clinisist/internal/platform/auth"
)

func newClient(rooms ...string) *Client {
	return &Client{ID: uuid.NewString(), Rooms: rooms, Send: make(chan []byte, 8)}
}

func TestHub_RegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newClient("clinician:1", AdminRoom)

	hub.Register(c)
	if hub.ClientCount() != 1 || hub.RoomCount("clinician:1") != 1 || hub.RoomCount(AdminRoom) != 1 {
		t.Fatalf("unexpected counts after register")
	}

	hub.Unregister(c)
	hub.Unregister(c)
	if hub.ClientCount() != 0 || hub.RoomCount("clinician:1") != 0 {
		t.Fatalf("unexpected counts after unregister")
	}
	if _, ok := <-c.Send; ok {
		t.Fatal("expected Send to be closed")
	}
}

func TestHub_EmitOnlyToRoom(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	in := newClient("patient:a")
	out := newClient("patient:b")
	hub.Register(in)
	hub.Register(out)

	if err := hub.Emit(context.Background(), "patient:a", EventNewNotification, map[string]string{"message": "hi"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	select {
	case raw := <-in.Send:
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if ev.Name != EventNewNotification || ev.Room != "patient:a" {
			t.Errorf("unexpected event %+v", ev)
		}
		if !strings.Contains(string(ev.Data), `"message":"hi"`) {
			t.Errorf("unexpected data %s", ev.Data)
		}
	default:
		t.Fatal("expected event in room")
	}
	select {
	case <-out.Send:
		t.Fatal("client in another room received event")
	default:
	}
}

func TestHub_EmitSkipsFullBuffer(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := &Client{ID: "slow", Rooms: []string{"r"}, Send: make(chan []byte)}
	hub.Register(c)
	if err := hub.Emit(context.Background(), "r", "x", 1); err != nil {
		t.Fatalf("Emit should not fail on slow client: %v", err)
	}
}

func TestHub_ConcurrentRegisterEmit(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		i := i
		wg.Add(2)
		c := newClient("room")
		go func() {
			defer wg.Done()
			hub.Register(c)
			hub.Unregister(c)
		}()
		go func() {
			defer wg.Done()
			_ = hub.Emit(context.Background(), "room", "tick", i)
		}()
	}
	wg.Wait()
	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestRoomsFor(t *testing.T) {
	id := uuid.New()
	rooms := RoomsFor(auth.Principal{ID: id, Kind: auth.KindAdmin, Roles: []string{auth.KindAdmin}})
	if len(rooms) != 2 || rooms[0] != "admin:"+id.String() || rooms[1] != AdminRoom {
		t.Fatalf("unexpected rooms %v", rooms)
	}
	rooms = RoomsFor(auth.Principal{ID: id, Kind: auth.KindPatient, Roles: []string{auth.KindPatient}})
	if len(rooms) != 1 {
		t.Fatalf("unexpected rooms %v", rooms)
	}
}

func TestHandler_EndToEnd(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	id := uuid.New()

	e := echo.New()
	g := e.Group("", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := auth.WithPrincipal(c.Request().Context(), auth.Principal{ID: id, Kind: auth.KindClinician, Roles: []string{auth.KindClinician}})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	NewHandler(hub).RegisterRoutes(g)

	srv := httptest.NewServer(e)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := gorillawebsocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	room := Room(auth.KindClinician, id)
	deadline := time.Now().Add(2 * time.Second)
	for hub.RoomCount(room) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never joined its room")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := hub.Emit(context.Background(), room, EventNewNotification, map[string]string{"type": "subscription"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(msg), EventNewNotification) {
		t.Errorf("unexpected message %s", msg)
	}
}

func TestHandler_RequiresPrincipal(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/ws", nil), httptest.NewRecorder())
	err := NewHandler(NewHub(zerolog.Nop())).HandleConnect(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}
