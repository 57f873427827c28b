package heuristics

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stormglass-sec/stormglass/common/models"
	"github.com/stormglass-sec/stormglass/dynamiceng/internal/sandbox"
)

func fileEvent(at time.Time, op, path string) sandbox.Event {
	return sandbox.Event{
		Time:  at,
		Class: sandbox.ClassFile,
		File:  &models.FileOp{Op: op, Path: path},
	}
}

func processEvent(cmd string) sandbox.Event {
	return sandbox.Event{
		Time:    time.Now(),
		Class:   sandbox.ClassProcess,
		Process: &models.ProcessEvent{Op: "create", PID: 100, Image: "cmd.exe", CommandLine: cmd},
	}
}

// ransomwareBurst simulates ratePerSec file writes per second for seconds.
func ransomwareBurst(ratePerSec, seconds int) []sandbox.Event {
	base := time.Unix(1000, 0)
	var events []sandbox.Event
	for s := 0; s < seconds; s++ {
		for i := 0; i < ratePerSec; i++ {
			at := base.Add(time.Duration(s)*time.Second + time.Duration(i)*time.Millisecond)
			events = append(events, fileEvent(at, "write", fmt.Sprintf("/docs/file_%d_%d.txt", s, i)))
		}
	}
	return events
}

func TestRansomwareSimulationScenario(t *testing.T) {
	// 200 file modifications per second for 5 seconds plus a shadow-copy
	// deletion command.
	events := ransomwareBurst(200, 5)
	events = append(events, processEvent(`vssadmin delete shadows /all /quiet`))

	f := Evaluate(events)

	assert.Contains(t, f.RansomwareIndicators, "sustained_file_modification_rate")
	assert.Contains(t, f.RansomwareIndicators, "shadow_copy_deletion")
	assert.Contains(t, f.EvasionIndicators, "shadow_copy_deletion")
	assert.True(t, f.Critical, "two ransomware heuristics must raise critical")
	// ransomware 30 + defense evasion 15
	assert.GreaterOrEqual(t, f.Score, 45)
}

func TestRateBelowThresholdDoesNotFire(t *testing.T) {
	f := Evaluate(ransomwareBurst(49, 10))
	assert.Empty(t, f.RansomwareIndicators)
	assert.Zero(t, f.Score)
}

func TestRateMustSustainThreeSeconds(t *testing.T) {
	f := Evaluate(ransomwareBurst(200, 2))
	assert.NotContains(t, f.RansomwareIndicators, "sustained_file_modification_rate")
}

func TestMassRenameForeignExtension(t *testing.T) {
	base := time.Unix(2000, 0)
	var events []sandbox.Event
	for i := 0; i < 25; i++ {
		events = append(events, sandbox.Event{
			Time:  base,
			Class: sandbox.ClassFile,
			File: &models.FileOp{
				Op:      "rename",
				Path:    fmt.Sprintf("/docs/report%d.docx", i),
				NewPath: fmt.Sprintf("/docs/report%d.docx.lockbit", i),
			},
		})
	}
	f := Evaluate(events)
	assert.Contains(t, f.RansomwareIndicators, "mass_rename_foreign_extension")
}

func TestHighEntropyOverwrite(t *testing.T) {
	base := time.Unix(3000, 0)
	var events []sandbox.Event
	for i := 0; i < 12; i++ {
		events = append(events, sandbox.Event{
			Time:  base,
			Class: sandbox.ClassFile,
			File:  &models.FileOp{Op: "write", Path: fmt.Sprintf("/docs/f%d.pdf", i), Entropy: 7.9},
		})
	}
	f := Evaluate(events)
	assert.Contains(t, f.RansomwareIndicators, "high_entropy_overwrite")
}

func TestPersistenceDetectors(t *testing.T) {
	events := []sandbox.Event{
		{Time: time.Now(), Class: sandbox.ClassRegistry, Registry: &models.RegistryOp{
			Op: "set", Key: `HKCU\Software\Microsoft\Windows\CurrentVersion\Run`, Value: "evil.exe",
		}},
		processEvent(`schtasks /create /tn updater /tr evil.exe /sc onlogon`),
	}
	f := Evaluate(events)
	assert.Contains(t, f.PersistenceMechanisms, "run_key_write")
	assert.Contains(t, f.PersistenceMechanisms, "scheduled_task_creation")
	assert.Equal(t, ScorePersistence, f.Score)
}

func TestInjectionSequence(t *testing.T) {
	mk := func(op string, target int) sandbox.Event {
		return sandbox.Event{
			Time:    time.Now(),
			Class:   sandbox.ClassProcess,
			Process: &models.ProcessEvent{Op: op, PID: 10, TargetPID: target},
		}
	}
	// Full sequence against PID 42 fires; partial sequence does not.
	f := Evaluate([]sandbox.Event{
		mk("open_process", 42),
		mk("write_process_memory", 42),
		mk("create_remote_thread", 42),
	})
	assert.Contains(t, f.EscalationIndicators, "process_injection")

	f = Evaluate([]sandbox.Event{
		mk("open_process", 42),
		mk("create_remote_thread", 42),
	})
	assert.NotContains(t, f.EscalationIndicators, "process_injection")
}

func TestLateralSweep(t *testing.T) {
	mk := func(addr string, port int) sandbox.Event {
		return sandbox.Event{
			Time:    time.Now(),
			Class:   sandbox.ClassNetwork,
			Network: &models.NetworkEvent{Op: "connect", RemoteAddr: addr, RemotePort: port},
		}
	}
	f := Evaluate([]sandbox.Event{
		mk("10.0.0.5", 445),
		mk("10.0.0.6", 445),
		mk("10.0.0.7", 445),
	})
	assert.Contains(t, f.LateralIndicators, "internal_service_sweep")

	// Two hosts is reconnaissance noise, not a sweep.
	f = Evaluate([]sandbox.Event{mk("10.0.0.5", 445), mk("10.0.0.6", 445)})
	assert.Empty(t, f.LateralIndicators)
}

func TestScoreClampsAt100(t *testing.T) {
	events := ransomwareBurst(200, 5)
	events = append(events,
		processEvent(`vssadmin delete shadows /all`),
		processEvent(`schtasks /create /tn x /tr y`),
		processEvent(`fodhelper.exe`),
	)
	for i := 0; i < 25; i++ {
		events = append(events, sandbox.Event{
			Time:    time.Now(),
			Class:   sandbox.ClassNetwork,
			Network: &models.NetworkEvent{Op: "http", Protocol: "POST", Bytes: 1 << 20},
		})
	}
	for _, addr := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		events = append(events, sandbox.Event{
			Time:    time.Now(),
			Class:   sandbox.ClassNetwork,
			Network: &models.NetworkEvent{Op: "connect", RemoteAddr: addr, RemotePort: 445},
		})
	}

	f := Evaluate(events)
	require.LessOrEqual(t, f.Score, 100)
	// ransomware 30 + evasion 15 + persistence 15 + escalation 20 +
	// exfil 25 + lateral 20 = 125 clamps to 100.
	assert.Equal(t, 100, f.Score)
}
