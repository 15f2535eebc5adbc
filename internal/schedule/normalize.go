package schedule

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrMalformedQueue indicates a queue without an identifier.
	ErrMalformedQueue = errors.New("schedule: malformed queue")
	// ErrMalformedInterval indicates an interval whose bounds are not valid HH:MM clock times.
	ErrMalformedInterval = errors.New("schedule: malformed interval")
)

const minutesPerDay = 24 * 60

// Slot is one flattened (queue, start, end) triple with canonical HH:MM bounds.
type Slot struct {
	Queue string
	Start string
	End   string
}

// Slots flattens a schedule into its sorted, duplicate-free set of triples.
// Queues without intervals contribute nothing.
func Slots(parsed ParsedSchedule) ([]Slot, error) {
	slots := make([]Slot, 0)
	seen := make(map[Slot]struct{})
	for _, queue := range parsed.Queues {
		queueID := strings.TrimSpace(queue.Queue)
		if queueID == "" {
			return nil, fmt.Errorf("%w: empty queue id", ErrMalformedQueue)
		}
		for _, interval := range queue.Intervals {
			slot, err := newSlot(queueID, interval.Start, interval.End)
			if err != nil {
				return nil, err
			}
			if _, ok := seen[slot]; ok {
				continue
			}
			seen[slot] = struct{}{}
			slots = append(slots, slot)
		}
	}
	sortSlots(slots)
	return slots, nil
}

// Normalize returns the canonical, order-independent serialization of a schedule.
// A schedule without any interval normalizes to the empty string.
func Normalize(parsed ParsedSchedule) (string, error) {
	slots, err := Slots(parsed)
	if err != nil {
		return "", err
	}
	return canonicalSlots(slots), nil
}

// Hash returns the hex sha256 of the canonical serialization.
func Hash(parsed ParsedSchedule) (string, error) {
	canonical, err := Normalize(parsed)
	if err != nil {
		return "", err
	}
	return hashCanonical(canonical), nil
}

// NormalizeSlots canonicalizes already flattened triples, e.g. persisted interval rows.
func NormalizeSlots(slots []Slot) (string, error) {
	normalized := make([]Slot, 0, len(slots))
	seen := make(map[Slot]struct{}, len(slots))
	for _, raw := range slots {
		queueID := strings.TrimSpace(raw.Queue)
		if queueID == "" {
			return "", fmt.Errorf("%w: empty queue id", ErrMalformedQueue)
		}
		slot, err := newSlot(queueID, raw.Start, raw.End)
		if err != nil {
			return "", err
		}
		if _, ok := seen[slot]; ok {
			continue
		}
		seen[slot] = struct{}{}
		normalized = append(normalized, slot)
	}
	sortSlots(normalized)
	return canonicalSlots(normalized), nil
}

// HashSlots returns the hex sha256 of the canonical form of already flattened triples.
func HashSlots(slots []Slot) (string, error) {
	canonical, err := NormalizeSlots(slots)
	if err != nil {
		return "", err
	}
	return hashCanonical(canonical), nil
}

func hashCanonical(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// canonicalSlots renders sorted slots as "1.1=08:00-12:00,14:00-16:00;1.2=...".
func canonicalSlots(slots []Slot) string {
	var builder strings.Builder
	previousQueue := ""
	for index, slot := range slots {
		if index == 0 || slot.Queue != previousQueue {
			if index > 0 {
				builder.WriteByte(';')
			}
			builder.WriteString(slot.Queue)
			builder.WriteByte('=')
		} else {
			builder.WriteByte(',')
		}
		builder.WriteString(slot.Start)
		builder.WriteByte('-')
		builder.WriteString(slot.End)
		previousQueue = slot.Queue
	}
	return builder.String()
}

func sortSlots(slots []Slot) {
	sort.Slice(slots, func(i, j int) bool {
		if slots[i].Queue != slots[j].Queue {
			return slots[i].Queue < slots[j].Queue
		}
		if slots[i].Start != slots[j].Start {
			return slots[i].Start < slots[j].Start
		}
		return slots[i].End < slots[j].End
	})
}

func newSlot(queueID, rawStart, rawEnd string) (Slot, error) {
	start, err := parseClock(rawStart)
	if err != nil {
		return Slot{}, err
	}
	end, err := parseClock(rawEnd)
	if err != nil {
		return Slot{}, err
	}
	if start >= end || start == minutesPerDay {
		return Slot{}, fmt.Errorf("%w: %s-%s", ErrMalformedInterval, rawStart, rawEnd)
	}
	return Slot{Queue: queueID, Start: formatClock(start), End: formatClock(end)}, nil
}

// parseClock accepts H:MM or HH:MM, with 24:00 as the end of day.
func parseClock(raw string) (int, error) {
	trimmed := strings.TrimSpace(raw)
	hoursPart, minutesPart, ok := strings.Cut(trimmed, ":")
	if !ok || len(minutesPart) != 2 || hoursPart == "" || len(hoursPart) > 2 {
		return 0, fmt.Errorf("%w: %q", ErrMalformedInterval, raw)
	}
	hours, err := strconv.Atoi(hoursPart)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedInterval, raw)
	}
	minutes, err := strconv.Atoi(minutesPart)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedInterval, raw)
	}
	if hours < 0 || minutes < 0 || minutes > 59 || hours > 24 || (hours == 24 && minutes != 0) {
		return 0, fmt.Errorf("%w: %q", ErrMalformedInterval, raw)
	}
	return hours*60 + minutes, nil
}

func formatClock(totalMinutes int) string {
	return fmt.Sprintf("%02d:%02d", totalMinutes/60, totalMinutes%60)
}
