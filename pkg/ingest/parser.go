package ingest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/hervehildenbrand/bgp-ensemble/pkg/models"
)

// risMessage is the top-level message from RIS Live.
type risMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// risUpdateData is the BGP update payload from RIS Live.
type risUpdateData struct {
	Timestamp     float64           `json:"timestamp"`
	PeerASN       json.RawMessage   `json:"peer_asn"` // string or number
	Path          json.RawMessage   `json:"path"`
	Announcements []risAnnouncement `json:"announcements"`
	Withdrawals   []string          `json:"withdrawals"`
}

type risAnnouncement struct {
	Prefixes []string `json:"prefixes"`
}

// ParseMessage parses one RIS Live WebSocket message into raw events, one
// per announced or withdrawn prefix. Non-update messages yield nothing.
func ParseMessage(data []byte) ([]models.RawEvent, error) {
	var msg risMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	if msg.Type != "ris_message" {
		return nil, nil
	}

	var update risUpdateData
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		return nil, fmt.Errorf("unmarshal update data: %w", err)
	}

	peerASN := parseASN(update.PeerASN)
	asPath, err := parseASPath(update.Path)
	if err != nil {
		return nil, fmt.Errorf("parse AS path: %w", err)
	}

	var originASN uint32
	if len(asPath) > 0 {
		originASN = asPath[len(asPath)-1]
	}

	sec := int64(update.Timestamp)
	observedAt := time.Unix(sec, int64((update.Timestamp-float64(sec))*1e9)).UTC()

	var events []models.RawEvent
	for _, ann := range update.Announcements {
		for _, prefix := range ann.Prefixes {
			events = append(events, models.RawEvent{
				ObservedAt: observedAt,
				Prefix:     prefix,
				OriginASN:  originASN,
				PeerASN:    peerASN,
				ASPath:     asPath,
			})
		}
	}
	for _, prefix := range update.Withdrawals {
		events = append(events, models.RawEvent{
			ObservedAt:   observedAt,
			Prefix:       prefix,
			PeerASN:      peerASN,
			IsWithdrawal: true,
		})
	}
	return events, nil
}

// parseASN parses an ASN that can be either a string or a number.
func parseASN(data json.RawMessage) uint32 {
	if len(data) == 0 {
		return 0
	}

	var num uint32
	if err := json.Unmarshal(data, &num); err == nil {
		return num
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		val, _ := strconv.ParseUint(str, 10, 32)
		return uint32(val)
	}

	return 0
}

// parseASPath flattens the AS path which may contain nested arrays (AS_SET).
// Input can be: [174, 3356, 65001] or [[174], [3356, 65001], 65002]
func parseASPath(data json.RawMessage) ([]uint32, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var simple []uint32
	if err := json.Unmarshal(data, &simple); err == nil {
		return simple, nil
	}

	var mixed []json.RawMessage
	if err := json.Unmarshal(data, &mixed); err != nil {
		return nil, fmt.Errorf("cannot parse path: %w", err)
	}

	var result []uint32
	for _, elem := range mixed {
		var num uint32
		if err := json.Unmarshal(elem, &num); err == nil {
			result = append(result, num)
			continue
		}
		var nums []uint32
		if err := json.Unmarshal(elem, &nums); err == nil {
			result = append(result, nums...)
		}
	}
	return result, nil
}
