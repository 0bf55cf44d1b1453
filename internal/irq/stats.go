package irq

// Stat describes one mapped virq.
type Stat struct {
	VIRQ       VIRQ
	Controller string
	HWLine     uint32
	Kind       string
	Name       string
	Count      uint64
}

// Stats is a point-in-time snapshot of the table.
type Stats struct {
	IRQs []Stat
	// Spurious counts entries per controller that dispatched nothing.
	Spurious map[string]uint64
	// NestedDrops counts dispatches dropped because the virq was running.
	NestedDrops uint64
	// Unowned counts entries for controllers without a domain.
	Unowned uint64
}

// Count returns the number of completed dispatches of virq.
func (t *Table) Count(virq VIRQ) uint64 {
	desc := t.desc(virq)
	if desc == nil {
		return 0
	}
	return desc.count.Load()
}

// Stats snapshots every mapped virq, ordered by virq.
func (t *Table) Stats() Stats {
	s := Stats{
		Spurious:    make(map[string]uint64),
		NestedDrops: t.nestedDrops.Load(),
		Unowned:     t.unowned.Load(),
	}
	for _, d := range *t.domains.Load() {
		s.Spurious[d.ctrl.Name()] = d.spurious.Load()
	}
	for i := range t.descs {
		desc := t.descs[i].Load()
		if desc == nil {
			continue
		}
		st := Stat{
			VIRQ:       desc.virq,
			Controller: desc.domain.ctrl.Name(),
			HWLine:     desc.hwline,
			Kind:       "none",
			Count:      desc.count.Load(),
		}
		if act := desc.action.Load(); act != nil {
			st.Kind = act.kind.String()
			st.Name = act.name
		}
		s.IRQs = append(s.IRQs, st)
	}
	return s
}
