package main

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"fyne.io/systray"

	"github.com/dotside-studios/nfc-relay/buildinfo"
	"github.com/dotside-studios/nfc-relay/relay"
	"github.com/dotside-studios/nfc-relay/victim"
)

// SystrayApp shows the relay state in the system tray and lets the user
// switch victims and start or stop the agent.
type SystrayApp struct {
	ctx   context.Context
	agent *Agent

	mStatus     *systray.MenuItem
	mClient     *systray.MenuItem
	mStats      *systray.MenuItem
	mVictimMenu *systray.MenuItem
	mURL        *systray.MenuItem
	mCopyURL    *systray.MenuItem
	mStart      *systray.MenuItem
	mStop       *systray.MenuItem
	mQuit       *systray.MenuItem

	victimItems map[*victim.Profile]*systray.MenuItem
}

// NewSystrayApp creates a new systray application
func NewSystrayApp(ctx context.Context, agent *Agent) *SystrayApp {
	return &SystrayApp{
		ctx:         ctx,
		agent:       agent,
		victimItems: make(map[*victim.Profile]*systray.MenuItem),
	}
}

// Run blocks until the tray is quit or the context ends.
func (s *SystrayApp) Run() {
	systray.Run(s.onReady, s.onExit)
}

func (s *SystrayApp) onReady() {
	s.setupUI()
	s.autoStartAgent()
	go s.statusUpdater()
	go s.handleMenuEvents()
	go func() {
		<-s.ctx.Done()
		systray.Quit()
	}()
}

func (s *SystrayApp) onExit() {
	if s.agent.Running() {
		s.agent.Stop()
	}
}

func (s *SystrayApp) setupUI() {
	systray.SetIcon(iconData)
	systray.SetTitle("")
	systray.SetTooltip(buildinfo.DisplayName + " " + buildinfo.Version)

	s.mStatus = systray.AddMenuItem("Starting...", "Relay status")
	s.mStatus.Disable()
	s.mClient = systray.AddMenuItem("Mole: None", "Mole the relay talks to")
	s.mClient.Disable()
	s.mStats = systray.AddMenuItem(formatStats(relay.Status{}), "Challenges relayed")
	s.mStats.Disable()

	systray.AddSeparator()

	s.mVictimMenu = systray.AddMenuItem("Victim: "+s.agent.Victims.Current().Name(), "Select the emulated victim")
	current := s.agent.Victims.Current()
	for _, p := range s.agent.Victims.Available() {
		item := s.mVictimMenu.AddSubMenuItemCheckbox(p.Name(), p.AIDHex(), p == current)
		s.victimItems[p] = item
		go s.handleVictimClicks(p, item)
	}
	s.agent.Victims.OnChange(s.updateVictim)

	systray.AddSeparator()

	s.mURL = systray.AddMenuItem("Status: Not running", "Status server URL")
	s.mURL.Disable()
	s.mCopyURL = systray.AddMenuItem("  Copy Status URL", "Copy the status server URL to clipboard")

	systray.AddSeparator()

	s.mStart = systray.AddMenuItem("Start Relay", "Start the relay")
	s.mStop = systray.AddMenuItem("Stop Relay", "Stop the relay")
	s.mStart.Disable()
	s.mStop.Disable()

	systray.AddSeparator()
	s.mQuit = systray.AddMenuItem("Quit", "Quit the application")
}

func (s *SystrayApp) autoStartAgent() {
	go s.handleStartAgent()
}

func (s *SystrayApp) handleMenuEvents() {
	for {
		select {
		case <-s.mStart.ClickedCh:
			s.handleStartAgent()
		case <-s.mStop.ClickedCh:
			s.handleStopAgent()
		case <-s.mCopyURL.ClickedCh:
			if !s.agent.Running() {
				continue
			}
			if err := copyToClipboard(s.agent.StatusURL()); err != nil {
				log.Printf("[systray] Failed to copy to clipboard: %v", err)
			} else {
				log.Printf("[systray] Copied status URL to clipboard")
			}
		case <-s.mQuit.ClickedCh:
			systray.Quit()
			return
		}
	}
}

func (s *SystrayApp) handleVictimClicks(p *victim.Profile, item *systray.MenuItem) {
	for range item.ClickedCh {
		if err := s.agent.Victims.Select(p.Name()); err != nil {
			log.Printf("[systray] Failed to select victim %s: %v", p.Name(), err)
		}
	}
}

// updateVictim runs for every selection, including those made over the
// status server.
func (s *SystrayApp) updateVictim(current *victim.Profile) {
	s.mVictimMenu.SetTitle("Victim: " + current.Name())
	for p, item := range s.victimItems {
		if p == current {
			item.Check()
		} else {
			item.Uncheck()
		}
	}
}

func (s *SystrayApp) handleStartAgent() {
	if err := s.agent.Start(s.ctx); err != nil {
		s.updateStatus("Failed to Start")
		s.mStart.Enable()
		return
	}
	s.updateStatus("Waiting for mole")
	s.mURL.SetTitle("Status: " + s.agent.StatusURL())
	s.mStart.Disable()
	s.mStop.Enable()

	done := s.agent.Done()
	go func() {
		if err := <-done; err != nil {
			s.agent.Stop()
			s.updateStatus("Failed: " + err.Error())
			s.mStop.Disable()
			s.mStart.Enable()
		}
	}()
}

func (s *SystrayApp) handleStopAgent() {
	s.agent.Stop()
	s.updateStatus("Stopped")
	s.mURL.SetTitle("Status: Not running")
	s.mStop.Disable()
	s.mStart.Enable()
}

func (s *SystrayApp) statusUpdater() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	lastClient, lastStats := "", ""
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		st, ok := s.agent.RelayStatus()
		if !ok {
			continue
		}

		if client := formatClient(st); client != lastClient {
			s.mClient.SetTitle(client)
			if st.Client != "" {
				s.updateStatus("Running")
			} else {
				s.updateStatus("Waiting for mole")
			}
			lastClient = client
		}
		if stats := formatStats(st); stats != lastStats {
			s.mStats.SetTitle(stats)
			lastStats = stats
		}
	}
}

// updateStatus updates the status menu item and icon
func (s *SystrayApp) updateStatus(status string) {
	s.mStatus.SetTitle(status)

	switch {
	case status == "Running":
		systray.SetIcon(iconDataConnected)
	case status == "Waiting for mole":
		systray.SetIcon(iconDataWaiting)
	case status == "Stopped":
		systray.SetIcon(iconDataStopped)
	case strings.HasPrefix(status, "Failed"):
		systray.SetIcon(iconDataError)
	default:
		systray.SetIcon(iconData)
	}
}

func formatClient(st relay.Status) string {
	if st.Client == "" {
		return "Mole: None"
	}
	return "Mole: " + st.Client
}

func formatStats(st relay.Status) string {
	s := fmt.Sprintf("Relayed %d/%d", st.Responses, st.Challenges)
	if st.Expired > 0 {
		s += fmt.Sprintf(", %d expired", st.Expired)
	}
	if st.LastLatency > 0 {
		s += fmt.Sprintf(", last %s", st.LastLatency.Round(time.Millisecond))
	}
	return s
}

// copyToClipboard copies text to the system clipboard
func copyToClipboard(text string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("pbcopy")
	case "linux":
		cmd = exec.Command("xclip", "-selection", "clipboard")
	case "windows":
		cmd = exec.Command("clip")
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return err
	}

	_, err = stdin.Write([]byte(text))
	if err != nil {
		return err
	}

	stdin.Close()
	return cmd.Wait()
}
