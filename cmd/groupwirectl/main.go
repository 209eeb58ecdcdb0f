// cmd/groupwirectl is the operator CLI for a running groupwired daemon —
// grounded on the teacher's flag-per-subcommand CLI shape
// (cmd/web4/main.go). status/peers prefer the live control socket and
// fall back to the most recent on-disk snapshot when no daemon is
// reachable; list reads the on-disk snapshots only; set-topic/set-role/
// kick/leave act on a running group and require the socket.
package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"

	"groupwire/internal/codec"
	"groupwire/internal/control"
	"groupwire/internal/persist"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "list":
		return runList(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	case "peers":
		return runPeers(args[1:], stdout, stderr)
	case "set-topic":
		return runSetTopic(args[1:], stdout, stderr)
	case "set-role":
		return runSetRole(args[1:], stdout, stderr)
	case "kick":
		return runKick(args[1:], stdout, stderr)
	case "leave":
		return runLeave(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: groupwirectl <cmd> [args]")
	fmt.Fprintln(w, "  list                      list every saved group snapshot under --data-dir")
	fmt.Fprintln(w, "  status    --chat-id       group name, connection state, role, peer count, topic")
	fmt.Fprintln(w, "  peers     --chat-id       member list with role and status")
	fmt.Fprintln(w, "  set-topic --chat-id --text <text>")
	fmt.Fprintln(w, "  set-role  --chat-id --peer-sig-pk <hex> --role <moderator|user|observer>")
	fmt.Fprintln(w, "  kick      --chat-id --peer-sig-pk <hex>")
	fmt.Fprintln(w, "  leave     --chat-id [--part-message <text>]")
	fmt.Fprintln(w, "all commands accept --data-dir and --socket to locate the daemon")
}

func homeDir() string {
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".groupwire")
}

func defaultSocketPath(dataDir string) string {
	return filepath.Join(dataDir, "groupwired.sock")
}

// dialControl connects to a running daemon's control socket, or returns a
// nil conn (not an error) if nothing is listening there — callers that can
// fall back to an on-disk snapshot treat a nil conn as "no live daemon."
func dialControl(socketPath string) net.Conn {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil
	}
	return conn
}

func sendRequest(conn net.Conn, req control.Request) (control.Response, error) {
	defer conn.Close()
	body, err := json.Marshal(req)
	if err != nil {
		return control.Response{}, err
	}
	if err := codec.WriteFrame(conn, body); err != nil {
		return control.Response{}, err
	}
	payload, err := codec.ReadFrame(conn)
	if err != nil {
		return control.Response{}, err
	}
	var resp control.Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return control.Response{}, err
	}
	return resp, nil
}

// dataDirAndSocketFlags registers the flags every subcommand accepts for
// locating a daemon, returning accessors resolved against fs.Parse.
func dataDirAndSocketFlags(fs *flag.FlagSet) (dataDir, socket *string) {
	dataDir = fs.String("data-dir", "", "snapshot/socket directory (defaults to ~/.groupwire)")
	socket = fs.String("socket", "", "control socket path (defaults to <data-dir>/groupwired.sock)")
	return
}

func resolvePaths(dataDir, socket string) (dir, sock string) {
	dir = dataDir
	if dir == "" {
		dir = homeDir()
	}
	sock = socket
	if sock == "" {
		sock = defaultSocketPath(dir)
	}
	return dir, sock
}

func snapshotPaths(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, ent := range entries {
		if ent.IsDir() || filepath.Ext(ent.Name()) != ".group" {
			continue
		}
		out = append(out, filepath.Join(dir, ent.Name()))
	}
	sort.Strings(out)
	return out, nil
}

func runList(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dataDir, _ := dataDirAndSocketFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	dir, _ := resolvePaths(*dataDir, "")
	paths, err := snapshotPaths(dir)
	if err != nil {
		fmt.Fprintf(stderr, "read data dir: %v\n", err)
		return 1
	}
	for _, p := range paths {
		snap, err := persist.Load(p)
		if err != nil {
			fmt.Fprintf(stderr, "%s: %v\n", p, err)
			continue
		}
		fmt.Fprintf(stdout, "%s  %-20s  %d peers\n", hex.EncodeToString(snap.ChatID), snap.SharedState.GroupName, len(snap.SavedPeers))
	}
	return 0
}

func loadByChatID(dataDir, chatIDHex string) (persist.Snapshot, error) {
	path := filepath.Join(dataDir, chatIDHex+".group")
	return persist.Load(path)
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dataDir, socket := dataDirAndSocketFlags(fs)
	chatID := fs.String("chat-id", "", "group chat id, hex")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *chatID == "" {
		fmt.Fprintln(stderr, "missing --chat-id")
		return 1
	}
	dir, sock := resolvePaths(*dataDir, *socket)

	if conn := dialControl(sock); conn != nil {
		resp, err := sendRequest(conn, control.Request{Cmd: "status"})
		if err == nil && resp.OK {
			var st struct {
				Name         string `json:"name"`
				Connected    bool   `json:"connected"`
				SelfRole     string `json:"self_role"`
				PeerCount    int    `json:"peer_count"`
				TopicText    string `json:"topic_text"`
				TopicVersion uint32 `json:"topic_version"`
			}
			if err := json.Unmarshal(resp.Data, &st); err == nil {
				fmt.Fprintf(stdout, "name:           %s\n", st.Name)
				fmt.Fprintf(stdout, "connected:      %v\n", st.Connected)
				fmt.Fprintf(stdout, "self_role:      %s\n", st.SelfRole)
				fmt.Fprintf(stdout, "peer_count:     %d\n", st.PeerCount)
				fmt.Fprintf(stdout, "topic:          %s\n", st.TopicText)
				fmt.Fprintf(stdout, "topic_version:  %d\n", st.TopicVersion)
				return 0
			}
		}
	}

	snap, err := loadByChatID(dir, *chatID)
	if err != nil {
		fmt.Fprintf(stderr, "no live daemon and no snapshot: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "chat_id:        %s\n", hex.EncodeToString(snap.ChatID))
	fmt.Fprintf(stdout, "name:           %s\n", snap.SharedState.GroupName)
	fmt.Fprintf(stdout, "privacy:        %d\n", snap.SharedState.PrivacyState)
	fmt.Fprintf(stdout, "max_peers:      %d\n", snap.SharedState.MaxPeers)
	fmt.Fprintf(stdout, "state_version:  %d\n", snap.SharedState.Version)
	fmt.Fprintf(stdout, "topic:          %s\n", snap.Topic.Text)
	fmt.Fprintf(stdout, "topic_version:  %d\n", snap.Topic.Version)
	fmt.Fprintf(stdout, "mod_list_size:  %d\n", len(snap.ModList.Entries))
	fmt.Fprintf(stdout, "self_nick:      %s\n", snap.Self.Nick)
	fmt.Fprintf(stdout, "self_role:      %s\n", snap.Self.Role)
	fmt.Fprintf(stdout, "disconnected:   %v\n", snap.ManuallyDisconnected)
	return 0
}

func runPeers(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("peers", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dataDir, socket := dataDirAndSocketFlags(fs)
	chatID := fs.String("chat-id", "", "group chat id, hex")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *chatID == "" {
		fmt.Fprintln(stderr, "missing --chat-id")
		return 1
	}
	dir, sock := resolvePaths(*dataDir, *socket)

	if conn := dialControl(sock); conn != nil {
		resp, err := sendRequest(conn, control.Request{Cmd: "peers"})
		if err == nil && resp.OK {
			var peers []struct {
				SigPubKey string `json:"sig_pub_key"`
				Nick      string `json:"nick"`
				Status    byte   `json:"status"`
				Role      string `json:"role"`
				Ignored   bool   `json:"ignored"`
			}
			if err := json.Unmarshal(resp.Data, &peers); err == nil {
				if len(peers) == 0 {
					fmt.Fprintln(stdout, "(no confirmed peers)")
					return 0
				}
				for _, p := range peers {
					fmt.Fprintf(stdout, "%s  %-16s  %-9s  ignored=%v\n", p.SigPubKey, p.Nick, p.Role, p.Ignored)
				}
				return 0
			}
		}
	}

	snap, err := loadByChatID(dir, *chatID)
	if err != nil {
		fmt.Fprintf(stderr, "no live daemon and no snapshot: %v\n", err)
		return 1
	}
	if len(snap.SavedPeers) == 0 {
		fmt.Fprintln(stdout, "(no saved peers)")
		return 0
	}
	for _, p := range snap.SavedPeers {
		fmt.Fprintf(stdout, "%s  %s\n", hex.EncodeToString(p.SigPubKey), p.LastAddr)
	}
	return 0
}

func runSetTopic(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("set-topic", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dataDir, socket := dataDirAndSocketFlags(fs)
	chatID := fs.String("chat-id", "", "group chat id, hex")
	text := fs.String("text", "", "new topic text")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *chatID == "" {
		fmt.Fprintln(stderr, "missing --chat-id")
		return 1
	}
	_, sock := resolvePaths(*dataDir, *socket)
	return runLiveCommand(stdout, stderr, sock, control.Request{Cmd: "set_topic", Text: *text})
}

func runSetRole(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("set-role", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dataDir, socket := dataDirAndSocketFlags(fs)
	chatID := fs.String("chat-id", "", "group chat id, hex")
	peerSigPub := fs.String("peer-sig-pk", "", "target peer's signature public key, hex")
	role := fs.String("role", "", "moderator|user|observer")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *chatID == "" || *peerSigPub == "" || *role == "" {
		fmt.Fprintln(stderr, "missing --chat-id/--peer-sig-pk/--role")
		return 1
	}
	_, sock := resolvePaths(*dataDir, *socket)
	return runLiveCommand(stdout, stderr, sock, control.Request{Cmd: "set_role", PeerSigPub: *peerSigPub, Role: *role})
}

func runKick(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("kick", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dataDir, socket := dataDirAndSocketFlags(fs)
	chatID := fs.String("chat-id", "", "group chat id, hex")
	peerSigPub := fs.String("peer-sig-pk", "", "target peer's signature public key, hex")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *chatID == "" || *peerSigPub == "" {
		fmt.Fprintln(stderr, "missing --chat-id/--peer-sig-pk")
		return 1
	}
	_, sock := resolvePaths(*dataDir, *socket)
	return runLiveCommand(stdout, stderr, sock, control.Request{Cmd: "kick", PeerSigPub: *peerSigPub})
}

func runLeave(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("leave", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dataDir, socket := dataDirAndSocketFlags(fs)
	chatID := fs.String("chat-id", "", "group chat id, hex")
	partMsg := fs.String("part-message", "", "optional parting message")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *chatID == "" {
		fmt.Fprintln(stderr, "missing --chat-id")
		return 1
	}
	_, sock := resolvePaths(*dataDir, *socket)
	return runLiveCommand(stdout, stderr, sock, control.Request{Cmd: "leave", PartMsg: *partMsg})
}

// runLiveCommand is shared by every subcommand with no snapshot equivalent:
// it can only act on a daemon that is actually running.
func runLiveCommand(stdout, stderr io.Writer, sock string, req control.Request) int {
	conn := dialControl(sock)
	if conn == nil {
		fmt.Fprintf(stderr, "no daemon reachable at %s\n", sock)
		return 1
	}
	resp, err := sendRequest(conn, req)
	if err != nil {
		fmt.Fprintf(stderr, "control request: %v\n", err)
		return 1
	}
	if !resp.OK {
		fmt.Fprintf(stderr, "%s\n", resp.Error)
		return 1
	}
	fmt.Fprintln(stdout, "OK")
	return 0
}
