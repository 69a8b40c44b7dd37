package core

import "strings"

// FieldAliases maps legacy and lowercase field spellings to the canonical
// field names used by rule corpora. Rules written against older corpora use
// a mix of snake_case and historical names; events normalized by different
// decoders do too. The resolver consults this table after a direct lookup
// misses.
var FieldAliases = map[string]string{
	// Process fields
	"image":               "Image",
	"process_name":        "Image",
	"process":             "Image",
	"command_line":        "CommandLine",
	"commandline":         "CommandLine",
	"cmd":                 "CommandLine",
	"parent_image":        "ParentImage",
	"parent_process_name": "ParentImage",
	"parent_command_line": "ParentCommandLine",
	"parent_commandline":  "ParentCommandLine",
	"process_id":          "ProcessId",
	"pid":                 "ProcessId",
	"parent_process_id":   "ParentProcessId",
	"ppid":                "ParentProcessId",
	"current_directory":   "CurrentDirectory",
	"cwd":                 "CurrentDirectory",
	"original_file_name":  "OriginalFileName",
	"integrity_level":     "IntegrityLevel",

	// User fields
	"user":      "User",
	"username":  "User",
	"user_name": "User",
	"logon_id":  "LogonId",

	// Network fields
	"source_ip":        "SourceIp",
	"src_ip":           "SourceIp",
	"destination_ip":   "DestinationIp",
	"dest_ip":          "DestinationIp",
	"dst_ip":           "DestinationIp",
	"source_port":      "SourcePort",
	"src_port":         "SourcePort",
	"destination_port": "DestinationPort",
	"dest_port":        "DestinationPort",
	"dst_port":         "DestinationPort",
	"destination_host": "DestinationHostname",
	"dest_domain":      "DestinationHostname",

	// File and registry fields
	"target_filename": "TargetFilename",
	"file_name":       "TargetFilename",
	"filename":        "TargetFilename",
	"target_object":   "TargetObject",
	"registry_key":    "TargetObject",
	"registry_value":  "Details",
	"image_loaded":    "ImageLoaded",
	"hashes":          "Hashes",
	"signature":       "Signature",

	// Script / payload fields
	"script_block_text": "ScriptBlockText",
	"scriptblocktext":   "ScriptBlockText",
	"payload":           "Payload",

	// Event metadata
	"event_id":   "EventID",
	"eventid":    "EventID",
	"channel":    "Channel",
	"provider":   "Provider",
	"computer":   "Computer",
	"hostname":   "Computer",
	"event_type": "EventType",
}

// CanonicalFieldName resolves a field name through the alias table.
// Returns the input unchanged when no alias is known.
func CanonicalFieldName(name string) string {
	if canonical, ok := FieldAliases[strings.ToLower(name)]; ok {
		return canonical
	}
	return name
}
