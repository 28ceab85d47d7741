package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

const (
	MeasurementProperty   = "avr_property"
	MeasurementConnection = "avr_connection"
)

// WriteProperty queues a point on avr_property. Booleans are stored as
// 1 or 0 so the value field keeps one type; text values are skipped and
// reported as false.
func (c *Client) WriteProperty(site, property string, value any, at time.Time) bool {
	v, ok := NumericValue(value)
	if !ok {
		return false
	}

	return c.WritePointWithTime(MeasurementProperty,
		map[string]string{
			"site":     site,
			"property": property,
		},
		map[string]interface{}{
			"value": v,
		},
		at,
	)
}

// WriteConnection records the receiver connecting or disconnecting.
func (c *Client) WriteConnection(site string, connected bool) bool {
	state := 0.0
	if connected {
		state = 1
	}
	return c.WritePoint(MeasurementConnection,
		map[string]string{"site": site},
		map[string]interface{}{"connected": state},
	)
}

// WritePoint queues a point stamped with the current time.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) bool {
	return c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime queues a point. It returns false once the client is closed.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) bool {
	if !c.IsConnected() {
		return false
	}

	c.writes.WritePoint(write.NewPoint(measurement, tags, fields, timestamp))
	return true
}

// NumericValue returns value as a float64 when it is a number or a bool.
func NumericValue(value any) (float64, bool) {
	switch v := value.(type) {
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case float32:
		return float64(v), true
	default:
		return 0, false
	}
}
