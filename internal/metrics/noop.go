package metrics

// NoopCollector is a no-op implementation of the Collector interface.
// All methods are empty stubs that do nothing.
type NoopCollector struct{}

func (n *NoopCollector) ConnectionOpened()                       {}
func (n *NoopCollector) ConnectionClosed()                       {}
func (n *NoopCollector) CommandProcessed(command string)         {}
func (n *NoopCollector) HistoricalAccess()                       {}
func (n *NoopCollector) MessageRetrieved(sizeBytes int64)        {}
func (n *NoopCollector) BytesTransferred(nbytes int64)           {}
func (n *NoopCollector) PipeliningUsed()                         {}
func (n *NoopCollector) InvalidCommand()                         {}
func (n *NoopCollector) SessionTerminatedTooManyInvalid()        {}
func (n *NoopCollector) FilterSpawnFailed()                      {}
func (n *NoopCollector) FilterStreamFailed()                     {}
func (n *NoopCollector) Snapshot() Snapshot                      { return Snapshot{} }
