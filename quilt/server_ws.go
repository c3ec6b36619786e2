package quilt

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// WebSocket subscription transport: the same frames as the chunked HTTP
// stream, carried as JSON messages. Fan-out queue semantics are shared
// with the HTTP path, including the lag -> snapshot recovery.

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type wsFrame struct {
	Version   string          `json:"version,omitempty"`
	Parents   []string        `json:"parents,omitempty"`
	Status    int             `json:"status,omitempty"`
	MergeType string          `json:"merge_type,omitempty"`
	State     *string         `json:"state,omitempty"`
	Patches   json.RawMessage `json:"patches,omitempty"`
	Heartbeat bool            `json:"heartbeat,omitempty"`
}

func isWebsocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func wsFrameFromUpdate(update *Update) *wsFrame {
	frame := &wsFrame{
		Status:    update.Status,
		MergeType: update.MergeType,
		Heartbeat: update.Heartbeat,
	}
	if !update.Version.IsRoot() {
		frame.Version = update.Version.String()
	}
	if update.Parents != nil {
		frame.Parents = make([]string, len(update.Parents))
		for i, parent := range update.Parents {
			frame.Parents[i] = parent.String()
		}
	}
	if update.IsSnapshot() {
		state := string(update.State)
		frame.State = &state
	} else if update.Patches != nil {
		frame.Patches = update.Patches
	}
	return frame
}

func updateFromWsFrame(frame *wsFrame) (*Update, error) {
	update := &Update{
		Status:    frame.Status,
		MergeType: frame.MergeType,
		Heartbeat: frame.Heartbeat,
	}
	if frame.Version != "" {
		version, err := ParseVersion(frame.Version)
		if err != nil {
			return nil, err
		}
		update.Version = version
	}
	if frame.Parents != nil {
		update.Parents = make([]Version, 0, len(frame.Parents))
		for _, parentStr := range frame.Parents {
			parent, err := ParseVersion(parentStr)
			if err != nil {
				return nil, err
			}
			if !parent.IsRoot() {
				update.Parents = append(update.Parents, parent)
			}
		}
	}
	if frame.State != nil {
		update.State = []byte(*frame.State)
	} else if frame.Patches != nil {
		update.Patches = frame.Patches
	}
	return update, nil
}

func (self *ReplicationServer) serveSubscribeWs(w http.ResponseWriter, r *http.Request, resourceId string) {
	record, err := self.store.Load(resourceId)
	if err != nil {
		if errors.Is(err, ErrResourceNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[ws]%s upgrade failed: %s\n", resourceId, err)
		return
	}
	defer conn.Close()

	resource := self.resource(resourceId)
	sub := newSubscriber(r.Context(), resourceId, self.settings.SubscriberQueueSize)
	resource.fanout.add(sub)
	defer func() {
		resource.fanout.remove(sub)
		sub.Close()
	}()

	// drain client messages so pings and close frames are processed
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sub.Close()
				return
			}
		}
	}()

	if err := conn.WriteJSON(wsFrameFromUpdate(snapshotUpdate(record))); err != nil {
		return
	}

	heartbeat := time.NewTicker(self.settings.HeartbeatPeriod)
	defer heartbeat.Stop()

	for {
		select {
		case <-sub.ctx.Done():
			return
		case <-r.Context().Done():
			return
		case update := <-sub.updates:
			if sub.takeLagged() {
				record, err := self.store.Load(resourceId)
				if err != nil {
					return
				}
				if err := conn.WriteJSON(wsFrameFromUpdate(snapshotUpdate(record))); err != nil {
					return
				}
				continue
			}
			if err := conn.WriteJSON(wsFrameFromUpdate(update)); err != nil {
				return
			}
		case <-heartbeat.C:
			if err := conn.WriteJSON(wsFrameFromUpdate(&Update{Heartbeat: true})); err != nil {
				return
			}
		}
	}
}
