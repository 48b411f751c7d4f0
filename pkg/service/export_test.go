package service

import "mesh-nms/pkg/poller"

func (s *Service) CurrentPoller() *poller.Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.poller
}

// PollerStarted receives once per poller (re)start.
func (s *Service) PollerStarted() <-chan struct{} {
	return s.started
}
