package discovery

import (
	"context"

	"github.com/R3E-Network/dws/internal/app/domain/discovery"
	"github.com/R3E-Network/dws/internal/app/metrics"
	apperrors "github.com/R3E-Network/dws/internal/errors"
)

// HandleQuery answers a DNS-style query. An unknown name yields NXDOMAIN with
// a NOT_FOUND error; an unknown query type is a validation error.
func (s *Service) HandleQuery(ctx context.Context, q discovery.Query) (discovery.Response, error) {
	q.Name = discovery.NormalizeName(q.Name)
	resp := discovery.Response{Query: q, Rcode: discovery.RcodeSuccess, Answers: []discovery.Answer{}}

	qt, ok := discovery.ParseQueryType(string(q.Type))
	if !ok {
		resp.Rcode = discovery.RcodeServFail
		metrics.RecordQuery("invalid", string(resp.Rcode))
		return resp, apperrors.Validation("unknown query type %q", q.Type)
	}
	q.Type = qt
	resp.Query = q
	if q.Name == "" {
		resp.Rcode = discovery.RcodeServFail
		metrics.RecordQuery(string(qt), string(resp.Rcode))
		return resp, apperrors.Validation("query name is required")
	}
	if err := ctx.Err(); err != nil {
		resp.Rcode = discovery.RcodeServFail
		return resp, err
	}

	answers, err := s.answer(q)
	switch {
	case err == nil:
		resp.Answers = answers
	case apperrors.Is(err, apperrors.ErrNotFound):
		resp.Rcode = discovery.RcodeNXDomain
	default:
		resp.Rcode = discovery.RcodeServFail
	}
	metrics.RecordQuery(string(qt), string(resp.Rcode))
	return resp, err
}

func (s *Service) answer(q discovery.Query) ([]discovery.Answer, error) {
	ttl := s.opts.TTL
	switch q.Type {
	case discovery.QueryA:
		addrs, err := s.ResolveA(q.Name)
		if err != nil {
			return nil, err
		}
		out := make([]discovery.Answer, 0, len(addrs))
		for _, addr := range addrs {
			out = append(out, discovery.Answer{Name: q.Name, Type: q.Type, TTL: ttl, Address: addr})
		}
		return out, nil
	case discovery.QuerySRV:
		srvs, err := s.ResolveSRV(q.Name)
		if err != nil {
			return nil, err
		}
		out := make([]discovery.Answer, 0, len(srvs))
		for _, srv := range srvs {
			out = append(out, discovery.Answer{
				Name:     q.Name,
				Type:     q.Type,
				TTL:      ttl,
				Address:  srv.Address,
				Port:     srv.Port,
				Weight:   srv.Weight,
				Priority: srv.Priority,
			})
		}
		return out, nil
	case discovery.QueryTXT:
		txt, err := s.ResolveTXT(q.Name)
		if err != nil {
			return nil, err
		}
		return []discovery.Answer{{Name: q.Name, Type: q.Type, TTL: ttl, Text: txt}}, nil
	case discovery.QueryLeader:
		ep, err := s.ResolveLeader(q.Name)
		if err != nil {
			return nil, err
		}
		return []discovery.Answer{{Name: q.Name, Type: q.Type, TTL: ttl, Address: ep.Address, Port: ep.Port, Weight: ep.Weight}}, nil
	}
	return nil, apperrors.Validation("unknown query type %q", q.Type)
}
