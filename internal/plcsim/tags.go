package plcsim

import (
	"github.com/timzifer/eiptag/cip"
)

func (s *Server) serveTag(req cip.Request) cip.Response {
	s.requests.Add(1)
	resp := cip.Response{Service: req.Service | cip.ReplyFlag}
	addr, err := cip.DecodePath(req.Path)
	if err != nil {
		resp.Status = cip.StatusPathSegmentError
		return resp
	}
	key := tagKey(addr)

	switch req.Service {
	case cip.ServiceReadTag:
		count, err := cip.ParseReadTagData(req.Data)
		if err != nil {
			resp.Status = cip.StatusNotEnoughData
			return resp
		}
		if count != 1 {
			resp.Status = cip.StatusGeneralError
			resp.Extended = []uint16{cip.ExtendedOutOfRange}
			return resp
		}
		s.mu.Lock()
		entry, ok := s.tags[key]
		var value cip.TypedValue
		if ok {
			value = cloneValue(entry.value)
		}
		s.mu.Unlock()
		if !ok {
			resp.Status = cip.StatusPathSegmentError
			return resp
		}
		resp.Data = append(value.AppendType(nil), value.Data...)
		s.logger.Trace().Str("tag", addr.String()).Msg("tag read")
		return resp

	case cip.ServiceWriteTag:
		value, count, err := cip.ParseWriteTagData(req.Data)
		if err != nil {
			resp.Status = cip.StatusNotEnoughData
			return resp
		}
		if count != 1 {
			resp.Status = cip.StatusGeneralError
			resp.Extended = []uint16{cip.ExtendedOutOfRange}
			return resp
		}
		if size := value.Type.Size(); size > 0 && len(value.Data) != size {
			resp.Status = cip.StatusNotEnoughData
			return resp
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		entry, ok := s.tags[key]
		switch {
		case !ok && !s.cfg.AutoCreate:
			resp.Status = cip.StatusPathSegmentError
		case !ok:
			s.tags[key] = &tagEntry{value: cloneValue(value)}
		case entry.readOnly:
			resp.Status = cip.StatusPrivilegeViolation
		case entry.value.Type != value.Type:
			resp.Status = cip.StatusGeneralError
			resp.Extended = []uint16{cip.ExtendedTypeMismatch}
		default:
			entry.value = cloneValue(value)
		}
		if resp.Status == cip.StatusSuccess {
			s.logger.Trace().Str("tag", addr.String()).Msg("tag written")
		}
		return resp

	default:
		resp.Status = cip.StatusServiceNotSupported
		return resp
	}
}

func cloneValue(v cip.TypedValue) cip.TypedValue {
	v.Data = append([]byte(nil), v.Data...)
	return v
}
