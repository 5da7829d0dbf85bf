package mqtt

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/fieldops/trackengine/internal/models"
	"github.com/fieldops/trackengine/pkg/utils"
)

// Wire layout of a tracker fix. Tag numbers are fixed by deployed trackers.
//
//	1 latitude   fixed64 (IEEE 754 double)
//	2 longitude  fixed64 (IEEE 754 double)
//	3 timestamp  varint  (unix milliseconds)
//	4 speed      fixed32 (IEEE 754 float, km/h)
//	5 status     varint  (0 off, 1 on)
const (
	fieldLatitude  protowire.Number = 1
	fieldLongitude protowire.Number = 2
	fieldTimestamp protowire.Number = 3
	fieldSpeed     protowire.Number = 4
	fieldStatus    protowire.Number = 5
)

const (
	topicPrefix = "trk"
	topicSuffix = "fix"
)

var (
	// ErrInvalidTopic is returned for topics other than trk/{entity}/fix
	ErrInvalidTopic = errors.New("invalid topic")

	// ErrMissingTimestamp is returned for fixes without a timestamp field
	ErrMissingTimestamp = errors.New("fix has no timestamp")
)

// Parser decodes tracker fixes
type Parser struct {
	logger *utils.Logger
}

// NewParser creates a fix parser
func NewParser(logger *utils.Logger) *Parser {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Parser{
		logger: logger,
	}
}

// TopicFor returns the topic an entity's tracker publishes to
func TopicFor(entityID string) string {
	return topicPrefix + "/" + entityID + "/" + topicSuffix
}

// EntityFromTopic extracts the entity id from trk/{entity}/fix
func EntityFromTopic(topic string) (string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != topicPrefix || parts[2] != topicSuffix || parts[1] == "" {
		return "", fmt.Errorf("%w: %s", ErrInvalidTopic, topic)
	}
	return parts[1], nil
}

// Parse decodes one MQTT message into a fix. Coordinates are passed through
// as sent, including missing or out of range ones: the noise filter deals
// with those. Unknown fields are skipped.
func (p *Parser) Parse(topic string, payload []byte) (*models.GpsPoint, error) {
	entityID, err := EntityFromTopic(topic)
	if err != nil {
		return nil, err
	}

	point := &models.GpsPoint{EntityID: entityID}
	var haveTimestamp bool

	b := payload
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldLatitude && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, fmt.Errorf("bad latitude: %w", protowire.ParseError(n))
			}
			point.Latitude = math.Float64frombits(v)
			b = b[n:]

		case num == fieldLongitude && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, fmt.Errorf("bad longitude: %w", protowire.ParseError(n))
			}
			point.Longitude = math.Float64frombits(v)
			b = b[n:]

		case num == fieldTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("bad timestamp: %w", protowire.ParseError(n))
			}
			point.Timestamp = time.UnixMilli(int64(v)).UTC()
			haveTimestamp = true
			b = b[n:]

		case num == fieldSpeed && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, fmt.Errorf("bad speed: %w", protowire.ParseError(n))
			}
			point.Speed = sanitizeSpeed(float64(math.Float32frombits(v)))
			b = b[n:]

		case num == fieldStatus && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("bad status: %w", protowire.ParseError(n))
			}
			if v > 1 {
				return nil, fmt.Errorf("unknown device status %d", v)
			}
			point.Status = models.DeviceStatus(v)
			b = b[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("bad field %d: %w", num, protowire.ParseError(n))
			}
			p.logger.WithField("field", int(num)).Debug("Skipping unknown fix field")
			b = b[n:]
		}
	}

	if !haveTimestamp {
		return nil, ErrMissingTimestamp
	}
	return point, nil
}

// EncodeFix is the inverse of Parse, used by simulators and tests
func EncodeFix(point models.GpsPoint) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldLatitude, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(point.Latitude))
	b = protowire.AppendTag(b, fieldLongitude, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(point.Longitude))
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(point.Timestamp.UnixMilli()))
	b = protowire.AppendTag(b, fieldSpeed, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, math.Float32bits(float32(point.Speed)))
	b = protowire.AppendTag(b, fieldStatus, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(point.Status))
	return b
}

// sanitizeSpeed clamps speeds to the non-negative finite range
func sanitizeSpeed(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}
