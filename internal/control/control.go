// Package control implements groupwired's local control socket: a
// length-prefixed, JSON-bodied request/response protocol that
// groupwirectl speaks to reach a running daemon, reusing
// internal/codec's frame helpers (the teacher's local-IPC framing, kept
// for this purpose rather than the inter-peer wire format). Grounded on
// net.Listen("unix", ...) — no pack library supplies Unix-domain-socket
// IPC framing, this is the canonical stdlib mechanism for it.
package control

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"

	"groupwire/internal/codec"
	"groupwire/internal/engine"
	"groupwire/internal/glog"
	"groupwire/internal/moderation"
)

// Request is one command sent over the control socket.
type Request struct {
	Cmd        string `json:"cmd"`
	Text       string `json:"text,omitempty"`
	PeerSigPub string `json:"peer_sig_pub,omitempty"`
	Role       string `json:"role,omitempty"`
	PartMsg    string `json:"part_message,omitempty"`
}

// Response carries either a result payload or an error string, never both.
type Response struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type statusPayload struct {
	Name         string `json:"name"`
	Connected    bool   `json:"connected"`
	SelfRole     string `json:"self_role"`
	PeerCount    int    `json:"peer_count"`
	TopicText    string `json:"topic_text"`
	TopicVersion uint32 `json:"topic_version"`
}

type peerPayload struct {
	SigPubKey string `json:"sig_pub_key"`
	Nick      string `json:"nick"`
	Status    byte   `json:"status"`
	Role      string `json:"role"`
	Ignored   bool   `json:"ignored"`
}

// Server owns the listening Unix socket for one daemon-managed group.
type Server struct {
	ln  net.Listener
	eng *engine.Engine
	id  engine.GroupID
	log glog.Sink
}

// Serve removes any stale socket file at path, binds a fresh Unix listener,
// and starts accepting connections in the background.
func Serve(path string, eng *engine.Engine, id engine.GroupID, log glog.Sink) (*Server, error) {
	if log == nil {
		log = glog.Noop{}
	}
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("control: listen %s: %w", path, err)
	}
	s := &Server{ln: ln, eng: eng, id: id, log: log}
	go s.acceptLoop()
	return s, nil
}

func (s *Server) Close() error { return s.ln.Close() }

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	for {
		payload, err := codec.ReadFrame(conn)
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(payload, &req); err != nil {
			s.reply(conn, Response{Error: "malformed request"})
			continue
		}
		s.dispatch(conn, req)
	}
}

func (s *Server) reply(conn net.Conn, resp Response) {
	body, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := codec.WriteFrame(conn, body); err != nil {
		s.log.Logf(glog.Warning, "control: write response: %v", err)
	}
}

func (s *Server) dispatch(conn net.Conn, req Request) {
	switch req.Cmd {
	case "status":
		st, err := s.eng.Status(s.id)
		if err != nil {
			s.reply(conn, Response{Error: err.Error()})
			return
		}
		data, _ := json.Marshal(statusPayload{
			Name:         st.Name,
			Connected:    st.Connected,
			SelfRole:     st.SelfRole.String(),
			PeerCount:    st.PeerCount,
			TopicText:    string(st.TopicText),
			TopicVersion: st.TopicVersion,
		})
		s.reply(conn, Response{OK: true, Data: data})

	case "peers":
		roster, err := s.eng.PeerRoster(s.id)
		if err != nil {
			s.reply(conn, Response{Error: err.Error()})
			return
		}
		out := make([]peerPayload, 0, len(roster))
		for _, p := range roster {
			out = append(out, peerPayload{
				SigPubKey: hex.EncodeToString(p.SigPubKey),
				Nick:      string(p.Nick),
				Status:    p.Status,
				Role:      p.Role.String(),
				Ignored:   p.Ignored,
			})
		}
		data, _ := json.Marshal(out)
		s.reply(conn, Response{OK: true, Data: data})

	case "set_topic":
		if err := s.eng.SetTopic(s.id, []byte(req.Text)); err != nil {
			s.reply(conn, Response{Error: err.Error()})
			return
		}
		s.reply(conn, Response{OK: true})

	case "set_role":
		peerSigPub, role, err := decodeRoleArgs(req)
		if err != nil {
			s.reply(conn, Response{Error: err.Error()})
			return
		}
		if err := s.eng.SetRole(s.id, peerSigPub, role); err != nil {
			s.reply(conn, Response{Error: err.Error()})
			return
		}
		s.reply(conn, Response{OK: true})

	case "kick":
		peerSigPub, err := hex.DecodeString(req.PeerSigPub)
		if err != nil {
			s.reply(conn, Response{Error: "bad peer_sig_pub"})
			return
		}
		if err := s.eng.Kick(s.id, peerSigPub); err != nil {
			s.reply(conn, Response{Error: err.Error()})
			return
		}
		s.reply(conn, Response{OK: true})

	case "leave":
		if err := s.eng.Leave(s.id, req.PartMsg); err != nil {
			s.reply(conn, Response{Error: err.Error()})
			return
		}
		s.reply(conn, Response{OK: true})

	default:
		s.reply(conn, Response{Error: fmt.Sprintf("unknown command %q", req.Cmd)})
	}
}

func decodeRoleArgs(req Request) ([]byte, moderation.Role, error) {
	peerSigPub, err := hex.DecodeString(req.PeerSigPub)
	if err != nil {
		return nil, 0, fmt.Errorf("bad peer_sig_pub")
	}
	switch req.Role {
	case "moderator":
		return peerSigPub, moderation.RoleModerator, nil
	case "user":
		return peerSigPub, moderation.RoleUser, nil
	case "observer":
		return peerSigPub, moderation.RoleObserver, nil
	default:
		return nil, 0, fmt.Errorf("unknown role %q", req.Role)
	}
}
