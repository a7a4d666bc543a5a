package scheduler

import (
	"context"

	"github.com/kraken-ps/kraken/ps"
	"github.com/kraken-ps/kraken/wire"
)

// RegisterHandlers wires every client/ps-facing RPC the scheduler answers
// onto s. Call once per process after constructing both Scheduler and
// wire.Server.
func RegisterHandlers(sched *Scheduler, srv *wire.Server) {
	srv.Handle(wire.RPCTryJoin, sched.handleTryJoin)
	srv.Handle(wire.RPCFetchRouter, sched.handleFetchRouter)
	srv.Handle(wire.RPCInitModel, sched.handleInitModel)
	srv.Handle(wire.RPCRegisterDenseTable, sched.handleRegisterDenseTable)
	srv.Handle(wire.RPCRegisterSparseTable, sched.handleRegisterSparseTable)
	srv.Handle(wire.RPCTrySaveModel, sched.handleTrySaveModel)
	srv.Handle(wire.RPCTryLoadModel, sched.handleTryLoadModel)
	srv.Handle(wire.RPCIsAllPsWorking, sched.handleIsAllPsWorking)
}

func (s *Scheduler) handleTryJoin(body []byte) ([]byte, error) {
	req, err := ps.DecodeTryJoinRequest(body)
	if err != nil {
		return nil, err
	}
	reply, err := s.TryJoin(context.Background(), req.Addr)
	if err != nil {
		return nil, err
	}
	return reply.Encode(), nil
}

func (s *Scheduler) handleFetchRouter(body []byte) ([]byte, error) {
	return ps.FetchRouterReply{Router: s.Router()}.Encode(), nil
}

func (s *Scheduler) handleInitModel(body []byte) ([]byte, error) {
	req, err := ps.DecodeInitModelRequest(body)
	if err != nil {
		return nil, err
	}
	return nil, s.InitModel(context.Background(), req.Name, req.OptimKind, req.OptimParams)
}

func (s *Scheduler) handleRegisterDenseTable(body []byte) ([]byte, error) {
	req, err := ps.DecodeRegisterDenseTableRequest(body)
	if err != nil {
		return nil, err
	}
	id, err := s.RegisterDenseTable(context.Background(), req.Name, req.Val)
	if err != nil {
		return nil, err
	}
	return ps.RegisterTableReply{TableID: id}.Encode(), nil
}

func (s *Scheduler) handleRegisterSparseTable(body []byte) ([]byte, error) {
	req, err := ps.DecodeRegisterSparseTableRequest(body)
	if err != nil {
		return nil, err
	}
	id, err := s.RegisterSparseTable(context.Background(), req.Name, req.Dimension, req.Elem, req.InitSpec)
	if err != nil {
		return nil, err
	}
	return ps.RegisterTableReply{TableID: id}.Encode(), nil
}

func (s *Scheduler) handleTrySaveModel(body []byte) ([]byte, error) {
	ok, err := s.TrySaveModel(context.Background())
	if err != nil {
		return nil, err
	}
	return ps.BoolReply{OK: ok}.Encode(), nil
}

func (s *Scheduler) handleTryLoadModel(body []byte) ([]byte, error) {
	req, err := ps.DecodeTryLoadModelRequest(body)
	if err != nil {
		return nil, err
	}
	ok, err := s.TryLoadModel(context.Background(), req.Dir)
	if err != nil {
		return nil, err
	}
	return ps.BoolReply{OK: ok}.Encode(), nil
}

func (s *Scheduler) handleIsAllPsWorking(body []byte) ([]byte, error) {
	return ps.BoolReply{OK: s.IsAllPsWorking(context.Background())}.Encode(), nil
}
