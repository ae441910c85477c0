package gridconfig

import (
	"strconv"
	"strings"

	errgo "gopkg.in/errgo.v1"
)

// ParseRequestFile parses a delimited request file in the input-file
// format: one request per line, blank lines and lines starting with
// "#" ignored. Modbus lines hold name, unit, address and type;
// httpmeter lines hold name, key and an optional scale key.
func ParseRequestFile(data []byte, transport, delimiter string) ([]Request, error) {
	var reqs []Request
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		req, err := parseRequestLine(line, transport, delimiter)
		if err != nil {
			return nil, errgo.Notef(err, "line %d", i+1)
		}
		reqs = append(reqs, req)
	}
	if len(reqs) == 0 {
		return nil, errgo.New("no requests in file")
	}
	return reqs, nil
}

func parseRequestLine(line, transport, delimiter string) (Request, error) {
	fields := strings.Split(line, delimiter)
	for i, f := range fields {
		fields[i] = strings.TrimSpace(f)
	}
	switch transport {
	case TransportModbus:
		if len(fields) != 4 {
			return Request{}, errgo.Newf("expected 4 fields, got %d", len(fields))
		}
		unit, err := strconv.Atoi(fields[1])
		if err != nil {
			return Request{}, errgo.Newf("invalid unit %q", fields[1])
		}
		addr, err := strconv.Atoi(fields[2])
		if err != nil {
			return Request{}, errgo.Newf("invalid address %q", fields[2])
		}
		return Request{
			Name:    fields[0],
			Unit:    unit,
			Address: addr,
			Type:    fields[3],
		}, nil
	case TransportHTTPMeter:
		if len(fields) != 2 && len(fields) != 3 {
			return Request{}, errgo.Newf("expected 2 or 3 fields, got %d", len(fields))
		}
		req := Request{
			Name: fields[0],
			Key:  fields[1],
		}
		if len(fields) == 3 {
			req.Scale = fields[2]
		}
		return req, nil
	}
	return Request{}, errgo.Newf("unknown transport %q", transport)
}
