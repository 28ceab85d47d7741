// Package profile supplies appliance definitions for the engine: which
// properties exist, how each is queried and applied, and the ordered
// processors that decode inbound lines.
//
// A definition is either built in (see Marantz) or loaded from a YAML file
// whose processors compute values with expr-lang expressions over the
// regular expression captures:
//
//	processors:
//	  - property: volume.master
//	    match: '^MV(\d{2,3})$'
//	    value: 'tenths(atoi(groups[1]))'
//
// Expressions see groups (the submatches, groups[0] being the whole line)
// and line, plus the helpers atoi, atof, onoff and tenths alongside the
// expr builtins such as upper and trim.
package profile
