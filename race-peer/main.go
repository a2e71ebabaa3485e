// race-peer is the reference peer for the LAN typing race mesh.
//
// It can host a room or discover and join one, then runs a simulated
// typist through the race so the whole subsystem can be exercised from a
// terminal on a LAN. Launch interactively (no flags) or non-interactively
// via -host / -join.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"

	"github.com/lagoon-games/typerace-mesh/internal/config"
	"github.com/lagoon-games/typerace-mesh/internal/discovery"
	"github.com/lagoon-games/typerace-mesh/internal/race"
)

const defaultText = "the quick brown fox jumps over the lazy dog while the race clock keeps ticking"

func main() {
	// --- 1. Configuration Loading ---
	configPath := flag.String("config", "config.yaml", "Path to the configuration file.")
	name := flag.String("name", "", "Player display name (overrides the config file).")
	hostFlag := flag.Bool("host", false, "Host a room without prompting.")
	joinFlag := flag.String("join", "", "Join a room at ip:port without prompting.")
	textFlag := flag.String("text", defaultText, "Race text when hosting.")
	wpmFlag := flag.Int("wpm", 60, "Simulated typing speed of the local player.")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Printf("INFO: No config file at %s, using defaults", *configPath)
			cfg = config.Default()
		} else {
			log.Fatalf("FATAL: Error loading configuration: %v", err)
		}
	}
	if *name != "" {
		cfg.PlayerName = *name
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pterm.Info.Println(fmt.Sprintf("typerace-mesh peer — player %q", cfg.PlayerName))
	pterm.Println()

	session := race.NewSession(cfg)

	switch {
	case *hostFlag:
		runHost(ctx, session, cfg, *textFlag, *wpmFlag)
	case *joinFlag != "":
		ip, port, err := splitHostPort(*joinFlag, cfg.MeshPort)
		if err != nil {
			log.Fatalf("FATAL: invalid -join address: %v", err)
		}
		runGuest(ctx, session, ip, port, *wpmFlag)
	default:
		runInteractive(ctx, session, cfg, *textFlag, *wpmFlag)
	}

	log.Printf("INFO: Shutdown complete")
}

func runInteractive(ctx context.Context, session *race.Session, cfg *config.Config, text string, wpm int) {
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Host — Create a room on this LAN", "Join — Discover and join a room"}).
		WithDefaultText("Select a mode").
		Show()
	pterm.Println()

	if strings.HasPrefix(choice, "Host") {
		runHost(ctx, session, cfg, text, wpm)
		return
	}

	room, ok := pickRoom(ctx, session)
	if !ok {
		return
	}
	runGuest(ctx, session, room.HostIP, room.Port, wpm)
}

// pickRoom scans the LAN and lets the user choose a discovered room.
func pickRoom(ctx context.Context, session *race.Session) (discovery.RoomInfo, bool) {
	for {
		spinner, _ := pterm.DefaultSpinner.Start("Scanning for rooms...")
		if err := session.StartScanning(); err != nil {
			spinner.Fail(fmt.Sprintf("discovery failed: %v", err))
			return discovery.RoomInfo{}, false
		}

		select {
		case <-time.After(3 * time.Second):
		case <-ctx.Done():
			spinner.Stop()
			session.StopScanning()
			return discovery.RoomInfo{}, false
		}

		rooms := session.Rooms()
		session.StopScanning()
		spinner.Stop()

		if len(rooms) == 0 {
			pterm.Warning.Println("No rooms found.")
			retry, _ := pterm.DefaultInteractiveConfirm.
				WithDefaultText("Scan again?").
				WithDefaultValue(true).
				Show()
			if !retry {
				return discovery.RoomInfo{}, false
			}
			continue
		}

		options := make([]string, 0, len(rooms)+1)
		for _, r := range rooms {
			options = append(options, fmt.Sprintf("%s @ %s:%d (%d players, %s)",
				r.HostName, r.HostIP, r.Port, r.PlayerCount, r.Status))
		}
		options = append(options, "Rescan")

		choice, _ := pterm.DefaultInteractiveSelect.
			WithOptions(options).
			WithDefaultText("Select a room").
			Show()
		pterm.Println()

		if choice == "Rescan" {
			continue
		}
		for i, opt := range options[:len(rooms)] {
			if opt == choice {
				return rooms[i], true
			}
		}
	}
}

func runHost(ctx context.Context, session *race.Session, cfg *config.Config, text string, wpm int) {
	if err := session.CreateRoom(); err != nil {
		log.Fatalf("FATAL: Failed to create room: %v", err)
	}
	session.SetGameText(text)

	pterm.Success.Println("Room created. Announcing on the LAN.")
	pterm.Info.Println("Press Enter to start the race once players have joined.")

	// Enter starts the countdown; the event loop owns the rest.
	go func() {
		reader := bufio.NewReader(os.Stdin)
		for {
			if _, err := reader.ReadString('\n'); err != nil {
				return
			}
			switch session.State() {
			case race.StateLobby, race.StateResults:
				session.StartCountdown()
			}
		}
	}()

	runEventLoop(ctx, session, wpm)
}

func runGuest(ctx context.Context, session *race.Session, ip string, port int, wpm int) {
	if err := session.JoinRoom(ip, port); err != nil {
		log.Fatalf("FATAL: Failed to join room: %v", err)
	}
	runEventLoop(ctx, session, wpm)
}

// runEventLoop renders session events until the room ends or the process
// is interrupted.
func runEventLoop(ctx context.Context, session *race.Session, wpm int) {
	var typistCancel context.CancelFunc

	defer func() {
		if typistCancel != nil {
			typistCancel()
		}
		session.LeaveRoom()
	}()

	for {
		select {
		case <-ctx.Done():
			pterm.Println()
			pterm.Info.Println("Leaving room...")
			return

		case ev := <-session.Events():
			switch e := ev.(type) {
			case race.JoinSucceeded:
				pterm.Success.Println("Joined room.")
			case race.JoinFailed:
				pterm.Error.Println("Join failed: " + e.Reason)
				return
			case race.PlayerJoined:
				pterm.Info.Println(fmt.Sprintf("Player joined: %s", e.Name))
			case race.PlayerLeft:
				pterm.Info.Println(fmt.Sprintf("Player left: %s", e.Name))
			case race.HostLeft:
				pterm.Warning.Println("The room creator left. Room closed.")
				return
			case race.Kicked:
				pterm.Warning.Println("You were removed from the room.")
				return
			case race.GameTextChanged:
				pterm.Info.Println(fmt.Sprintf("Race text set (%d chars, %s)", len(e.Text), e.Language))
			case race.CountdownStarted:
				pterm.Info.Println(fmt.Sprintf("Race starting in %d...", e.Seconds))
			case race.GameStarted:
				pterm.Success.Println("Go!")
				text, _ := session.GameText()
				typistCtx, cancel := context.WithCancel(ctx)
				typistCancel = cancel
				go autoTypist(typistCtx, session, text, wpm)
			case race.ProgressUpdated:
				if e.Finished {
					pterm.Info.Println(fmt.Sprintf("%s finished (#%d, %d WPM)", e.Name, e.Position, e.WPM))
				}
			case race.RaceFinished:
				if typistCancel != nil {
					typistCancel()
					typistCancel = nil
				}
				renderResults(e)
				if session.IsAuthority() {
					session.SendPlayAgainInvite()
					pterm.Info.Println("Press Enter to start the next race, Ctrl+C to quit.")
				}
			case race.PlayAgainInvite:
				pterm.Info.Println("Rematch proposed. Staying in the room.")
				session.AcceptPlayAgain()
			case race.ReturnedToLobby:
				pterm.Info.Println("Back in the lobby.")
			case race.ConnectionError:
				pterm.Warning.Println("Network error: " + e.Reason)
			}
		}
	}
}

// autoTypist walks through the race text at a fixed WPM, feeding progress
// into the session the way a real typing UI would.
func autoTypist(ctx context.Context, session *race.Session, text string, wpm int) {
	total := len(text)
	if total == 0 || wpm <= 0 {
		return
	}

	// Standard 5 chars per word.
	charsPerSec := float64(wpm*5) / 60.0
	interval := 100 * time.Millisecond
	perTick := charsPerSec * interval.Seconds()

	start := time.Now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	typed := 0.0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			typed += perTick
			pos := int(typed)
			if pos >= total {
				duration := int(time.Since(start).Seconds())
				session.UpdateProgress(total, total, wpm)
				session.FinishRace(wpm, 100, 0, duration)
				return
			}
			session.UpdateProgress(pos, total, wpm)
		}
	}
}

func renderResults(e race.RaceFinished) {
	pterm.Println()
	rows := pterm.TableData{{"#", "Player", "WPM", "Accuracy", "Errors", "Time"}}
	for _, r := range e.Rankings {
		rows = append(rows, []string{
			strconv.Itoa(r.Position),
			r.Name,
			strconv.Itoa(r.WPM),
			fmt.Sprintf("%.1f%%", r.Accuracy),
			strconv.Itoa(r.Errors),
			fmt.Sprintf("%ds", r.Duration),
		})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	pterm.Println()
}

// splitHostPort parses "ip" or "ip:port", defaulting to the mesh port.
func splitHostPort(addr string, defaultPort int) (string, int, error) {
	if !strings.Contains(addr, ":") {
		if net.ParseIP(addr) == nil {
			return "", 0, fmt.Errorf("invalid IP: %s", addr)
		}
		return addr, defaultPort, nil
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port: %s", portStr)
	}
	if net.ParseIP(host) == nil {
		return "", 0, fmt.Errorf("invalid IP: %s", host)
	}
	return host, port, nil
}
