package market

// EpochState is the current trailing-volume window. Epoch is the unix
// timestamp of the window start; Duration its length in seconds. Volume
// counters are keyed by the Epoch value, so advancing the window resets the
// effective volume without erasing history.
type EpochState struct {
	Epoch    uint64 `json:"epoch"`
	Duration uint64 `json:"duration"`
}

// defaultEpochDuration applies until the owner calls SetEpoch.
const defaultEpochDuration = 30 * 24 * 60 * 60

func (st *state) epochState() (EpochState, error) {
	epoch, err := st.metaU64(keyEpoch, 0)
	if err != nil {
		return EpochState{}, err
	}
	duration, err := st.metaU64(keyEpochDuration, defaultEpochDuration)
	if err != nil {
		return EpochState{}, err
	}
	return EpochState{Epoch: epoch, Duration: duration}, nil
}

// extendEpoch rolls the window forward by exactly one duration when its end
// has passed, and returns the (possibly advanced) current epoch. Called
// before any volume read or accrual.
func (st *state) extendEpoch(now uint64) (uint64, error) {
	es, err := st.epochState()
	if err != nil {
		return 0, err
	}
	end, err := addChecked(es.Epoch, es.Duration)
	if err != nil {
		return 0, err
	}
	if end <= now {
		es.Epoch = end
		if err := st.setMetaU64(keyEpoch, es.Epoch); err != nil {
			return 0, err
		}
	}
	return es.Epoch, nil
}
