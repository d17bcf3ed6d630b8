package scheduler

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	tz := s.cfg.Timezone
	if tz == "" && s.loc != nil {
		tz = s.loc.String()
	}
	items := make([]ScheduleInfo, 0, len(s.defs))
	for _, d := range s.defs {
		it := ScheduleInfo{
			Name:          d.name,
			Spec:          d.spec,
			Timeout:       d.timeout,
			StartupSpread: d.startupSpread,
			Busy:          d.state.Busy(),
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		items = append(items, it)
	}
	return Snapshot{Enabled: s.cfg.Enabled, Running: s.c != nil, Timezone: tz, Schedules: items}
}
