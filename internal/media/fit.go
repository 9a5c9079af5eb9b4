package media

// ContainSize fits an image inside a container, preserving aspect ratio.
// Both dimensions are at least 1.
func ContainSize(containerW, containerH, imgW, imgH int) (int, int) {
	if containerW <= 0 || containerH <= 0 || imgW <= 0 || imgH <= 0 {
		return 1, 1
	}
	containerAspect := float64(containerW) / float64(containerH)
	imgAspect := float64(imgW) / float64(imgH)
	var w, h float64
	if imgAspect > containerAspect {
		w = float64(containerW)
		h = float64(containerW) / imgAspect
	} else {
		h = float64(containerH)
		w = float64(containerH) * imgAspect
	}
	return atLeastOne(w), atLeastOne(h)
}

// CoverSize fills a container completely, preserving aspect ratio; the
// overflow axis extends past the container.
func CoverSize(containerW, containerH, imgW, imgH int) (int, int) {
	if containerW <= 0 || containerH <= 0 || imgW <= 0 || imgH <= 0 {
		return 1, 1
	}
	containerAspect := float64(containerW) / float64(containerH)
	imgAspect := float64(imgW) / float64(imgH)
	var w, h float64
	if imgAspect > containerAspect {
		h = float64(containerH)
		w = float64(containerH) * imgAspect
	} else {
		w = float64(containerW)
		h = float64(containerW) / imgAspect
	}
	return atLeastOne(w), atLeastOne(h)
}

// ThumbnailLayout picks the column count and cell width for a thumbnail
// grid: the most columns that still leave each cell at least minCellW wide,
// accounting for gaps.
func ThumbnailLayout(availableW, minCellW, gap float64, maxColumns int) (int, float64) {
	for cols := maxColumns; cols >= 1; cols-- {
		totalGaps := float64(cols-1) * gap
		cellW := (availableW - totalGaps) / float64(cols)
		if cellW >= minCellW {
			return cols, cellW
		}
	}
	return 1, availableW
}

func atLeastOne(v float64) int {
	if v < 1 {
		return 1
	}
	return int(v)
}
