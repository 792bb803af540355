package domain

import (
	"fmt"
	"path"
	"strings"
)

// Folder stages inside a batch tree.
const (
	StageOriginal = "1-original-data"
	StageCheck    = "2-check"
	StageResearch = "3-research"
)

// CheckRoot is the study's mirror under 2-check where annotation versions are uploaded.
func CheckRoot(studyPath string) string {
	return strings.Replace(studyPath, StageOriginal, StageCheck, 1)
}

// ResearchRoot is the study's mirror under 3-research that receives promoted versions.
func ResearchRoot(studyPath string) string {
	return strings.Replace(CheckRoot(studyPath), StageCheck, StageResearch, 1)
}

// VersionFolder names the upload folder for an iteration.
func VersionFolder(iteration int) string {
	return fmt.Sprintf("version_%d", iteration)
}

// VersionPath is the full upload folder for an iteration.
func VersionPath(studyPath string, iteration int) string {
	return path.Join(CheckRoot(studyPath), VersionFolder(iteration))
}

// StudyPath derives a study folder from a batch root, the mapping batch column and a
// folder name, zero-padded to three characters.
func StudyPath(batchRoot, batch, folder string) string {
	return path.Join(batchRoot, StageOriginal, batch, PadFolder(folder))
}

func PadFolder(folder string) string {
	if len(folder) >= 3 {
		return folder
	}
	return strings.Repeat("0", 3-len(folder)) + folder
}
