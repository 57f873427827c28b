// Package heuristics evaluates observed sandbox events into behavioral
// indicators and the capped behavioral score.
package heuristics

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/stormglass-sec/stormglass/dynamiceng/internal/sandbox"
)

// Score caps per category. The behavioral score is the clamped sum.
const (
	ScoreRansomware   = 30
	ScoreExfiltration = 25
	ScoreEscalation   = 20
	ScoreLateral      = 20
	ScorePersistence  = 15
	ScoreEvasion      = 15
	maxScore          = 100
)

// Ransomware trigger thresholds.
const (
	rateThreshold      = 50 // file ops per second
	rateSustainSeconds = 3
	foreignRenameMin   = 20
	entropyOverwriteMin = 10
	highEntropy        = 7.5
)

// Findings is the heuristic evaluation result.
type Findings struct {
	RansomwareIndicators  []string
	PersistenceMechanisms []string
	EscalationIndicators  []string
	EvasionIndicators     []string
	ExfiltrationIndicators []string
	LateralIndicators     []string

	// Critical is raised when at least two independent ransomware
	// heuristics fire.
	Critical bool

	Score int
}

// Indicators returns every indicator string, sorted, for evidence.
func (f *Findings) Indicators() []string {
	var all []string
	all = append(all, f.RansomwareIndicators...)
	all = append(all, f.PersistenceMechanisms...)
	all = append(all, f.EscalationIndicators...)
	all = append(all, f.EvasionIndicators...)
	all = append(all, f.ExfiltrationIndicators...)
	all = append(all, f.LateralIndicators...)
	sort.Strings(all)
	return all
}

// Evaluate runs every detector over the observed event stream.
func Evaluate(events []sandbox.Event) *Findings {
	f := &Findings{}

	evalRansomware(events, f)
	evalPersistence(events, f)
	evalEscalation(events, f)
	evalEvasion(events, f)
	evalExfiltration(events, f)
	evalLateral(events, f)

	f.Critical = len(f.RansomwareIndicators) >= 2

	score := 0
	if len(f.RansomwareIndicators) > 0 {
		score += ScoreRansomware
	}
	if len(f.ExfiltrationIndicators) > 0 {
		score += ScoreExfiltration
	}
	if len(f.EscalationIndicators) > 0 {
		score += ScoreEscalation
	}
	if len(f.LateralIndicators) > 0 {
		score += ScoreLateral
	}
	if len(f.PersistenceMechanisms) > 0 {
		score += ScorePersistence
	}
	if len(f.EvasionIndicators) > 0 {
		score += ScoreEvasion
	}
	if score > maxScore {
		score = maxScore
	}
	f.Score = score
	return f
}

// common document/media extensions; renames away from these to anything
// else count toward the foreign-extension heuristic.
var commonExtensions = map[string]bool{
	".txt": true, ".doc": true, ".docx": true, ".xls": true, ".xlsx": true,
	".ppt": true, ".pptx": true, ".pdf": true, ".jpg": true, ".jpeg": true,
	".png": true, ".gif": true, ".mp3": true, ".mp4": true, ".zip": true,
	".csv": true, ".sql": true, ".db": true, ".bak": true, ".log": true,
}

func isFileMutation(op string) bool {
	switch op {
	case "write", "create", "rename", "delete":
		return true
	}
	return false
}

func evalRansomware(events []sandbox.Event, f *Findings) {
	// (a) sustained modification rate: per-second buckets of mutating ops.
	buckets := make(map[int64]int)
	for _, ev := range events {
		if ev.Class == sandbox.ClassFile && ev.File != nil && isFileMutation(ev.File.Op) {
			buckets[ev.Time.Unix()]++
		}
	}
	var seconds []int64
	for s := range buckets {
		seconds = append(seconds, s)
	}
	sort.Slice(seconds, func(i, j int) bool { return seconds[i] < seconds[j] })

	run := 0
	sustained := false
	var prev int64 = -2
	for _, s := range seconds {
		if buckets[s] >= rateThreshold {
			if s == prev+1 {
				run++
			} else {
				run = 1
			}
			if run >= rateSustainSeconds {
				sustained = true
				break
			}
		} else {
			run = 0
		}
		prev = s
	}
	if sustained {
		f.RansomwareIndicators = append(f.RansomwareIndicators, "sustained_file_modification_rate")
	}

	// (c) mass rename to a foreign extension.
	renamed := make(map[string]bool)
	for _, ev := range events {
		if ev.Class != sandbox.ClassFile || ev.File == nil || ev.File.Op != "rename" {
			continue
		}
		oldExt := strings.ToLower(filepath.Ext(ev.File.Path))
		newExt := strings.ToLower(filepath.Ext(ev.File.NewPath))
		if commonExtensions[oldExt] && !commonExtensions[newExt] && newExt != "" {
			renamed[ev.File.Path] = true
		}
	}
	if len(renamed) >= foreignRenameMin {
		f.RansomwareIndicators = append(f.RansomwareIndicators, "mass_rename_foreign_extension")
	}

	// (d) high-entropy overwrites of existing files.
	overwrites := 0
	for _, ev := range events {
		if ev.Class == sandbox.ClassFile && ev.File != nil &&
			ev.File.Op == "write" && ev.File.Entropy >= highEntropy {
			overwrites++
		}
	}
	if overwrites >= entropyOverwriteMin {
		f.RansomwareIndicators = append(f.RansomwareIndicators, "high_entropy_overwrite")
	}

	// (b) shadow-copy deletion doubles as a ransomware signal; the
	// command itself is scored under defense evasion.
	for _, ev := range events {
		if cmd := processCommand(ev); cmd != "" && isShadowCopyDeletion(cmd) {
			f.RansomwareIndicators = append(f.RansomwareIndicators, "shadow_copy_deletion")
			break
		}
	}
}

func processCommand(ev sandbox.Event) string {
	if ev.Class != sandbox.ClassProcess || ev.Process == nil {
		return ""
	}
	return strings.ToLower(ev.Process.CommandLine)
}

func isShadowCopyDeletion(cmd string) bool {
	return strings.Contains(cmd, "vssadmin delete shadows") ||
		strings.Contains(cmd, "wmic shadowcopy delete") ||
		strings.Contains(cmd, "wbadmin delete catalog")
}

func evalPersistence(events []sandbox.Event, f *Findings) {
	seen := make(map[string]bool)
	add := func(ind string) {
		if !seen[ind] {
			seen[ind] = true
			f.PersistenceMechanisms = append(f.PersistenceMechanisms, ind)
		}
	}

	for _, ev := range events {
		if ev.Class == sandbox.ClassRegistry && ev.Registry != nil {
			key := strings.ToLower(ev.Registry.Key)
			if strings.Contains(key, `currentversion\run`) ||
				strings.Contains(key, `currentversion\runonce`) {
				add("run_key_write")
			}
			if strings.Contains(key, `\services\`) && ev.Registry.Op == "create" {
				add("service_installation")
			}
		}
		if cmd := processCommand(ev); cmd != "" {
			if strings.Contains(cmd, "schtasks /create") || strings.Contains(cmd, "schtasks.exe /create") {
				add("scheduled_task_creation")
			}
			if strings.Contains(cmd, "sc create") || strings.Contains(cmd, "sc.exe create") {
				add("service_installation")
			}
		}
		if ev.Class == sandbox.ClassFile && ev.File != nil {
			path := strings.ToLower(ev.File.Path)
			if strings.Contains(path, "start menu\\programs\\startup") ||
				strings.Contains(path, "/etc/cron") ||
				strings.Contains(path, "/etc/systemd/system") ||
				strings.Contains(path, "library/launchagents") {
				add("autostart_write")
			}
		}
	}
}

func evalEscalation(events []sandbox.Event, f *Findings) {
	seen := make(map[string]bool)
	add := func(ind string) {
		if !seen[ind] {
			seen[ind] = true
			f.EscalationIndicators = append(f.EscalationIndicators, ind)
		}
	}

	// Injection sequence: open-process, write-virtual, create-remote-thread
	// observed in order against the same target.
	stage := make(map[int]int)
	for _, ev := range events {
		if ev.Class == sandbox.ClassProcess && ev.Process != nil {
			op := strings.ToLower(ev.Process.Op)
			target := ev.Process.TargetPID
			switch op {
			case "open_process":
				stage[target] = 1
			case "write_process_memory", "write_virtual_memory":
				if stage[target] >= 1 {
					stage[target] = 2
				}
			case "create_remote_thread", "queue_apc":
				if stage[target] >= 2 {
					add("process_injection")
				}
			}
		}
		if cmd := processCommand(ev); cmd != "" {
			if strings.Contains(cmd, "fodhelper") || strings.Contains(cmd, "eventvwr") ||
				strings.Contains(cmd, "computerdefaults") {
				add("uac_bypass_attempt")
			}
			if strings.Contains(cmd, "seimpersonateprivilege") || strings.Contains(cmd, "sedebugprivilege") {
				add("token_manipulation")
			}
		}
	}
}

func evalEvasion(events []sandbox.Event, f *Findings) {
	seen := make(map[string]bool)
	add := func(ind string) {
		if !seen[ind] {
			seen[ind] = true
			f.EvasionIndicators = append(f.EvasionIndicators, ind)
		}
	}

	for _, ev := range events {
		cmd := processCommand(ev)
		if cmd == "" {
			continue
		}
		if isShadowCopyDeletion(cmd) {
			add("shadow_copy_deletion")
		}
		if strings.Contains(cmd, "bcdedit /set") && strings.Contains(cmd, "recoveryenabled no") {
			add("recovery_disabled")
		}
		if strings.Contains(cmd, "wevtutil cl") {
			add("event_log_cleared")
		}
		if strings.Contains(cmd, "taskkill") && (strings.Contains(cmd, "defender") || strings.Contains(cmd, "antivirus")) {
			add("security_tooling_killed")
		}
	}
}

func evalExfiltration(events []sandbox.Event, f *Findings) {
	var bytesOut int64
	posts := 0
	for _, ev := range events {
		if ev.Class != sandbox.ClassNetwork || ev.Network == nil {
			continue
		}
		bytesOut += ev.Network.Bytes
		if ev.Network.Op == "http" && ev.Network.Protocol == "POST" {
			posts++
		}
	}
	if bytesOut >= 10<<20 {
		f.ExfiltrationIndicators = append(f.ExfiltrationIndicators, "bulk_outbound_transfer")
	}
	if posts >= 20 {
		f.ExfiltrationIndicators = append(f.ExfiltrationIndicators, "repeated_http_post")
	}
}

func evalLateral(events []sandbox.Event, f *Findings) {
	lateralPorts := map[int]bool{445: true, 3389: true, 5985: true, 5986: true, 22: true}
	targets := make(map[string]bool)
	portHit := false
	for _, ev := range events {
		if ev.Class != sandbox.ClassNetwork || ev.Network == nil || ev.Network.Op != "connect" {
			continue
		}
		if isPrivateAddr(ev.Network.RemoteAddr) {
			targets[ev.Network.RemoteAddr] = true
			if lateralPorts[ev.Network.RemotePort] {
				portHit = true
			}
		}
	}
	if portHit && len(targets) >= 3 {
		f.LateralIndicators = append(f.LateralIndicators, "internal_service_sweep")
	}
}

func isPrivateAddr(addr string) bool {
	return strings.HasPrefix(addr, "10.") ||
		strings.HasPrefix(addr, "192.168.") ||
		strings.HasPrefix(addr, "172.16.") ||
		strings.HasPrefix(addr, "172.17.") ||
		strings.HasPrefix(addr, "172.18.") ||
		strings.HasPrefix(addr, "172.19.") ||
		strings.HasPrefix(addr, "172.20.") ||
		strings.HasPrefix(addr, "172.21.") ||
		strings.HasPrefix(addr, "172.22.") ||
		strings.HasPrefix(addr, "172.23.") ||
		strings.HasPrefix(addr, "172.24.") ||
		strings.HasPrefix(addr, "172.25.") ||
		strings.HasPrefix(addr, "172.26.") ||
		strings.HasPrefix(addr, "172.27.") ||
		strings.HasPrefix(addr, "172.28.") ||
		strings.HasPrefix(addr, "172.29.") ||
		strings.HasPrefix(addr, "172.30.") ||
		strings.HasPrefix(addr, "172.31.")
}
