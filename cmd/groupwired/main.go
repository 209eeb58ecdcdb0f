// cmd/groupwired runs one GroupEngine process: it creates or joins a single
// group, listens for peer datagrams, and drives the engine's event loop
// until interrupted — grounded on the teacher's run subcommand
// (cmd/web4-node/main.go's runNode), trimmed to groupwire's single-group,
// single-process daemon shape.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"groupwire/internal/config"
	"groupwire/internal/control"
	"groupwire/internal/engine"
	"groupwire/internal/gcrypto"
	"groupwire/internal/glog"
	"groupwire/internal/groupwireerr"
	"groupwire/internal/metrics"
	"groupwire/internal/moderation"
	"groupwire/internal/sharedstate"
	"groupwire/internal/transport"
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
	case "create":
		return runCreate(args[1:], stdout, stderr)
	case "join":
		return runJoin(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: groupwired <create|join> [args]")
	fmt.Fprintln(w, "  create --addr <ip:port> --name <group-name> --nick <nick> [--private] [--data-dir <dir>]")
	fmt.Fprintln(w, "  join   --addr <ip:port> --peer-addr <host:port> --peer-enc-pk <hex> --chat-id <hex> --nick <nick> [--password <pw>] [--data-dir <dir>]")
}

func homeDir() string {
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".groupwire")
}

type stdLogger struct {
	w io.Writer
}

func (l stdLogger) Logf(level glog.Level, format string, args ...any) {
	fmt.Fprintf(l.w, "[%s] "+format+"\n", append([]any{level}, args...)...)
}

// cliObserver prints every upcall to stdout, the way an interactive chat
// client would render them; a real client supplies its own Observer.
type cliObserver struct{ w io.Writer }

func (o cliObserver) OnMessage(g engine.GroupID, peer []byte, kind engine.MessageKind, text []byte) {
	fmt.Fprintf(o.w, "<%s> %s\n", hex.EncodeToString(peer[:8]), text)
}
func (o cliObserver) OnPrivateMessage(g engine.GroupID, peer []byte, kind engine.MessageKind, text []byte) {
	fmt.Fprintf(o.w, "*%s* %s\n", hex.EncodeToString(peer[:8]), text)
}
func (o cliObserver) OnCustomPacket(g engine.GroupID, peer []byte, payload []byte) {}
func (o cliObserver) OnPeerJoin(g engine.GroupID, peer []byte) {
	fmt.Fprintf(o.w, "* %s joined\n", hex.EncodeToString(peer[:8]))
}
func (o cliObserver) OnPeerExit(g engine.GroupID, peer []byte, reason groupwireerr.Kind) {
	fmt.Fprintf(o.w, "* %s left (%s)\n", hex.EncodeToString(peer[:8]), reason)
}
func (o cliObserver) OnModerationEvent(g engine.GroupID, actor, target []byte, role moderation.Role) {
	fmt.Fprintf(o.w, "* %s is now %s\n", hex.EncodeToString(target[:8]), role)
}
func (o cliObserver) OnNickChange(g engine.GroupID, peer []byte, nick []byte) {}
func (o cliObserver) OnStatusChange(g engine.GroupID, peer []byte, status byte) {}
func (o cliObserver) OnTopicChange(g engine.GroupID, text []byte) {
	fmt.Fprintf(o.w, "* topic: %s\n", text)
}
func (o cliObserver) OnPasswordChange(g engine.GroupID) {}
func (o cliObserver) OnPrivacyStateChange(g engine.GroupID, state sharedstate.PrivacyState) {}
func (o cliObserver) OnPeerLimitChange(g engine.GroupID, limit uint16)                     {}
func (o cliObserver) OnSelfJoin(g engine.GroupID) {
	fmt.Fprintf(o.w, "READY chat_id=%s\n", g.String())
}
func (o cliObserver) OnJoinFail(g engine.GroupID, reason groupwireerr.Kind) {
	fmt.Fprintf(o.w, "join failed: %s\n", reason)
}

func runCreate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "", "listen addr (host:port)")
	name := fs.String("name", "", "group name")
	nick := fs.String("nick", "", "founder nickname")
	private := fs.Bool("private", false, "create a private (invite-only, unlisted) group")
	dataDir := fs.String("data-dir", "", "snapshot directory (defaults to ~/.groupwire)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *addr == "" || *name == "" || *nick == "" {
		fmt.Fprintln(stderr, "missing --addr/--name/--nick")
		return 1
	}
	dir := *dataDir
	if dir == "" {
		dir = homeDir()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		fmt.Fprintf(stderr, "mkdir data dir: %v\n", err)
		return 1
	}

	tr, err := transport.Listen(*addr)
	if err != nil {
		fmt.Fprintf(stderr, "listen: %v\n", err)
		return 1
	}
	defer tr.Close()

	cfg := config.Load(dir)
	m := metrics.New()
	log := stdLogger{w: stderr}
	e := engine.New(cfg, tr, m, log, cliObserver{w: stdout})

	privacy := sharedstate.PrivacyPublic
	if *private {
		privacy = sharedstate.PrivacyPrivate
	}
	id, err := e.CreateGroup(privacy, *name, *nick)
	if err != nil {
		fmt.Fprintf(stderr, "create_group: %v\n", err)
		return 1
	}
	_, encPub, err := e.SelfIdentity(id)
	if err != nil {
		fmt.Fprintf(stderr, "self_identity: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "READY addr=%s chat_id=%s peer_enc_pk=%s\n", *addr, id.String(), hex.EncodeToString(encPub))

	ctrl, err := control.Serve(cfg.ControlSocketPath, e, id, log)
	if err != nil {
		fmt.Fprintf(stderr, "control socket: %v\n", err)
		return 1
	}
	defer ctrl.Close()

	ctx, cancel := signalContext()
	defer cancel()
	if err := e.Run(ctx); err != nil && err != context.Canceled {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return 1
	}
	return 0
}

func runJoin(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("join", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "", "listen addr (host:port)")
	peerAddr := fs.String("peer-addr", "", "bootstrap peer addr (host:port)")
	peerEncPKHex := fs.String("peer-enc-pk", "", "bootstrap peer's long-term encryption public key, hex")
	chatIDHex := fs.String("chat-id", "", "group chat id, hex")
	nick := fs.String("nick", "", "nickname")
	password := fs.String("password", "", "group password, if any")
	dataDir := fs.String("data-dir", "", "snapshot directory (defaults to ~/.groupwire)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *addr == "" || *peerAddr == "" || *peerEncPKHex == "" || *chatIDHex == "" || *nick == "" {
		fmt.Fprintln(stderr, "missing required flag")
		return 1
	}
	chatIDBytes, err := hex.DecodeString(*chatIDHex)
	if err != nil || len(chatIDBytes) != 32 {
		fmt.Fprintln(stderr, "bad --chat-id")
		return 1
	}
	var id engine.GroupID
	copy(id[:], chatIDBytes)
	peerEncPub, err := hex.DecodeString(*peerEncPKHex)
	if err != nil || len(peerEncPub) != gcrypto.XPubKeySize {
		fmt.Fprintln(stderr, "bad --peer-enc-pk")
		return 1
	}

	dir := *dataDir
	if dir == "" {
		dir = homeDir()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		fmt.Fprintf(stderr, "mkdir data dir: %v\n", err)
		return 1
	}

	tr, err := transport.Listen(*addr)
	if err != nil {
		fmt.Fprintf(stderr, "listen: %v\n", err)
		return 1
	}
	defer tr.Close()

	cfg := config.Load(dir)
	m := metrics.New()
	log := stdLogger{w: stderr}
	e := engine.New(cfg, tr, m, log, cliObserver{w: stdout})

	if _, err := e.JoinByChatID(id, *password, *nick); err != nil {
		fmt.Fprintf(stderr, "join_by_chat_id: %v\n", err)
		return 1
	}
	if err := e.RegisterCandidate(id, *peerAddr, peerEncPub); err != nil {
		fmt.Fprintf(stderr, "register_candidate: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "JOINING addr=%s chat_id=%s\n", *addr, id.String())

	ctrl, err := control.Serve(cfg.ControlSocketPath, e, id, log)
	if err != nil {
		fmt.Fprintf(stderr, "control socket: %v\n", err)
		return 1
	}
	defer ctrl.Close()

	ctx, cancel := signalContext()
	defer cancel()
	if err := e.Run(ctx); err != nil && err != context.Canceled {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return 1
	}
	return 0
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
