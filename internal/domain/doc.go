// Package domain models the seasonal forecast archive and the units of work
// used to turn it into chunked Zarr stores.
//
// # Forecast Archive Layout
//
// Upstream coupled-model runs are laid out on disk as:
//
//	<root>/<experiment>/<init-dir>/mem<N>/outputs/<file>
//
// where <init-dir> is the initialization month formatted as YYYYMM followed
// by a fixed suffix (e.g. "200901" + "02T0000Z"), and N is the one-based
// ensemble member. The layout is owned by the forecast system; this module
// only reads it.
//
// # Units of Work
//
// A [ManifestEntry] pairs a [Source] with a [Region]. The source is either a
// plain NetCDF path or an [Expr], a typed tree of climate-data operators that
// is rendered to the external tool's argument list only when it is executed.
// The region names one (member, forecast) cell of the destination store, and
// therefore exactly one storage chunk.
//
// # Field Kinds
//
// Field definitions choose how the source expression is derived from the raw
// model output:
//
//	mean     -setname,F -seltimestep,L -monmean IN
//	daymin   -setname,F -seltimestep,L -monmean -daymin IN
//	daymax   -setname,F -seltimestep,L -monmean -daymax IN
//	accum    -setname,F -seltimestep,L -monsum -sub -seltimestep,2/-1 IN -seltimestep,1/-2 IN
//	rate     -setattribute,F@units=U -chname,V,F -monmean -divc,D -sub ... (A+B)
//	plain    IN used as is
//
// Accumulated WRF fields (RAINC, RAINNC) are stored as running totals, so the
// accum and rate kinds difference consecutive timesteps before aggregating.
//
// # Content Addressing
//
// Transcoded outputs are cached under the SHA-256 of the exact command line
// (options plus rendered expression). See [Digest].
package domain
