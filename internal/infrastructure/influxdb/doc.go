// Package influxdb records receiver history in InfluxDB 2.x.
//
// Numeric and boolean property changes land in avr_property, tagged with
// site and property. Connection transitions land in avr_connection. Writes
// are batched by influxdb-client-go and never block the caller, which lets
// the engine's change hook call WriteProperty directly.
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	eng.OnChange(func(c engine.Change) {
//	    client.WriteProperty(site, c.Property, c.Value, c.At)
//	})
package influxdb
