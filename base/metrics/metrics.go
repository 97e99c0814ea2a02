package metrics

const (
	BootColdBootsH = "The total number of cold boots (no retained state)"
	BootColdBootsN = "gridlogger_boot_cold_boots"
	BootWarmBootsH = "The total number of warm boots (retained state available)"
	BootWarmBootsN = "gridlogger_boot_warm_boots"
	BootSamplesH   = "The total number of sample events handed off"
	BootSamplesN   = "gridlogger_boot_samples"
	BootSleepH     = "The duration of the most recently scheduled sleep in seconds"
	BootSleepN     = "gridlogger_boot_sleep_seconds"

	DiagMeanShiftH   = "The running mean of the realized minus nominal wake instant in seconds"
	DiagMeanShiftN   = "gridlogger_diag_mean_shift_seconds"
	DiagRMSShiftH    = "The running RMS of the realized minus nominal wake instant in seconds"
	DiagRMSShiftN    = "gridlogger_diag_rms_shift_seconds"
	DiagLastShiftH   = "The realized minus nominal wake instant of the current cycle in seconds"
	DiagLastShiftN   = "gridlogger_diag_last_shift_seconds"
	DiagSampleCountH = "The number of wake instants included in the timing diagnostics"
	DiagSampleCountN = "gridlogger_diag_sample_count"

	ClientFetchesH       = "The total number of network time fetch rounds started"
	ClientFetchesN       = "gridlogger_client_fetches"
	ClientFetchFailuresH = "The total number of network time fetch rounds that failed"
	ClientFetchFailuresN = "gridlogger_client_fetch_failures"

	SyncCyclesUntilNetworkH = "The number of cycles until the next mandatory network time fetch"
	SyncCyclesUntilNetworkN = "gridlogger_sync_cycles_until_network"
	SyncNetworkSyncsH       = "The total number of successful network synchronizations"
	SyncNetworkSyncsN       = "gridlogger_sync_network_syncs"
	SyncFallbacksH          = "The total number of due network synchronizations that fell back to the reference clock"
	SyncFallbacksN          = "gridlogger_sync_fallbacks"
)
