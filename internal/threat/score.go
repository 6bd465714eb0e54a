// internal/threat/score.go
package threat

import (
	"strings"

	"github.com/napier9/apiary/internal/protocol"
)

// Protocol scores. 3 is deliberately unused; 0 is the default when no rule
// matches.
const (
	ScoreUnknown    = 0
	ScoreBenign     = 1
	ScoreSuspicious = 2
	ScoreMalicious  = 4
	ScoreNefarious  = 5
)

// signals are the derived booleans/counters one IP's records reduce to.
// Scoring depends only on this reduction, so record order never matters.
type signals struct {
	httpCount   int
	sshFailed   bool
	sshSuccess  bool
	ftpFailed   bool
	ftpSuccess  bool
	modbusWrite bool
	modbusRead  bool
}

func reduce(records []protocol.LogRecord) signals {
	var s signals
	for _, rec := range records {
		proto := strings.ToUpper(rec.Protocol)
		action := strings.ToLower(rec.Action)

		switch proto {
		case "HTTP":
			s.httpCount++
		case "SSH":
			if strings.Contains(action, "failed") {
				s.sshFailed = true
			} else if strings.Contains(action, "successful") {
				s.sshSuccess = true
			}
		case "FTP":
			if strings.Contains(action, "failed") {
				s.ftpFailed = true
			} else if strings.Contains(action, "successful") {
				s.ftpSuccess = true
			}
		case "MODBUS":
			if strings.Contains(action, "write") {
				s.modbusWrite = true
			} else if strings.Contains(action, "read") {
				s.modbusRead = true
			}
		}
	}
	return s
}

// Score maps one IP's records to a protocol score. First matching rule wins,
// highest severity checked first.
func Score(records []protocol.LogRecord) int {
	s := reduce(records)

	switch {
	// Multiple successful compromises, or a Modbus write on top of one.
	case (s.sshSuccess && s.ftpSuccess) || (s.modbusWrite && (s.sshSuccess || s.ftpSuccess)):
		return ScoreNefarious
	// A single successful compromise, or Modbus writes alongside failed logins.
	case s.sshSuccess || s.ftpSuccess || (s.modbusWrite && (s.sshFailed || s.ftpFailed)):
		return ScoreMalicious
	// Failed attempts, excessive HTTP, or Modbus reconnaissance.
	case s.httpCount > 50 || s.sshFailed || s.ftpFailed || s.modbusRead:
		return ScoreSuspicious
	case s.httpCount > 0:
		return ScoreBenign
	default:
		return ScoreUnknown
	}
}

// Verdict returns the label for a protocol score.
func Verdict(score int) string {
	switch score {
	case ScoreBenign:
		return "benign"
	case ScoreSuspicious:
		return "suspicious"
	case ScoreMalicious:
		return "malicious"
	case ScoreNefarious:
		return "nefarious"
	default:
		return "unknown"
	}
}

// Evaluate scores every IP present in logs and returns one threat record per
// IP, in first-encounter order. IPs with no records are never emitted;
// records with an empty IP are skipped.
func Evaluate(logs []protocol.LogRecord) []protocol.ThreatRecord {
	byIP := make(map[string][]protocol.LogRecord)
	var order []string
	for _, rec := range logs {
		if rec.IP == "" {
			continue
		}
		if _, seen := byIP[rec.IP]; !seen {
			order = append(order, rec.IP)
		}
		byIP[rec.IP] = append(byIP[rec.IP], rec)
	}

	var threats []protocol.ThreatRecord
	for _, ip := range order {
		score := Score(byIP[ip])
		threats = append(threats, protocol.ThreatRecord{
			Type:          "ip",
			IP:            ip,
			ProtocolScore: score,
			Verdict:       Verdict(score),
		})
	}
	return threats
}
